package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyProvider is a headless Provider backed by a single secp256k1 key. It
// serves the CLI and tests where no interactive wallet exists.
type KeyProvider struct {
	key *ecdsa.PrivateKey

	mu       sync.Mutex
	chainID  *big.Int
	locked   bool
	nextID   ListenerID
	handlers map[Event]map[ListenerID]Handler
}

var _ Provider = (*KeyProvider)(nil)

func NewKeyProvider(key *ecdsa.PrivateKey, chainID *big.Int) *KeyProvider {
	return &KeyProvider{
		key:      key,
		chainID:  new(big.Int).Set(chainID),
		handlers: make(map[Event]map[ListenerID]Handler),
	}
}

// LoadKeyProvider parses a hex-encoded private key (with or without 0x).
func LoadKeyProvider(hexKey string, chainID *big.Int) (*KeyProvider, error) {
	if len(hexKey) >= 2 && (hexKey[:2] == "0x" || hexKey[:2] == "0X") {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse key: %w", err)
	}
	return NewKeyProvider(key, chainID), nil
}

// GenerateKeyProvider creates a provider with a fresh random key.
func GenerateKeyProvider(chainID *big.Int) (*KeyProvider, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeyProvider(key, chainID), nil
}

func (p *KeyProvider) Address() common.Address {
	return crypto.PubkeyToAddress(p.key.PublicKey)
}

func (p *KeyProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked {
		return nil, nil
	}
	return []common.Address{p.Address()}, nil
}

func (p *KeyProvider) ChainID(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.chainID), nil
}

func (p *KeyProvider) Sign(ctx context.Context, account common.Address, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if account != p.Address() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), p.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (p *KeyProvider) On(event Event, h Handler) ListenerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	if p.handlers[event] == nil {
		p.handlers[event] = make(map[ListenerID]Handler)
	}
	p.handlers[event][p.nextID] = h
	return p.nextID
}

func (p *KeyProvider) Off(event Event, id ListenerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers[event], id)
}

// Listeners returns the number of handlers registered for event.
func (p *KeyProvider) Listeners(event Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers[event])
}

// Lock hides the account and notifies AccountsChanged with an empty list.
func (p *KeyProvider) Lock() {
	p.mu.Lock()
	p.locked = true
	p.mu.Unlock()
	p.emit(AccountsChanged, []common.Address{})
}

// SwitchChain changes the reported chain and notifies ChainChanged.
func (p *KeyProvider) SwitchChain(chainID *big.Int) {
	p.mu.Lock()
	p.chainID = new(big.Int).Set(chainID)
	p.mu.Unlock()
	p.emit(ChainChanged, new(big.Int).Set(chainID))
}

// emit runs handlers in registration order without holding the lock, so a
// handler may call Off.
func (p *KeyProvider) emit(event Event, params any) {
	p.mu.Lock()
	ids := make([]ListenerID, 0, len(p.handlers[event]))
	for id := range p.handlers[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, p.handlers[event][id])
	}
	p.mu.Unlock()

	for _, h := range hs {
		h(params)
	}
}

// RecoverSigner returns the address that produced an EIP-191 signature over msg.
func RecoverSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("wallet: signature length %d", len(sig))
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
