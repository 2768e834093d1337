package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type nopCaller struct{}

func (nopCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func newTestProvider(t *testing.T) *KeyProvider {
	t.Helper()
	p, err := GenerateKeyProvider(big.NewInt(11155111))
	if err != nil {
		t.Fatalf("GenerateKeyProvider: %v", err)
	}
	return p
}

func TestSession_ConnectAndCaller(t *testing.T) {
	p := newTestProvider(t)
	s := NewSession(p, nopCaller{}, nil)

	if _, _, ok := s.Caller(); ok {
		t.Fatalf("disconnected session must not hand out a caller")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	st := s.Snapshot()
	if !st.Connected || st.Account != p.Address() || st.ChainID.Int64() != 11155111 {
		t.Fatalf("unexpected state %+v", st)
	}
	caller, from, ok := s.Caller()
	if !ok || caller == nil || from != p.Address() {
		t.Fatalf("Caller: %v %v %v", caller, from, ok)
	}
	if p.Listeners(AccountsChanged) != 1 || p.Listeners(ChainChanged) != 1 {
		t.Fatalf("expected one listener per event")
	}

	// Reconnecting must not stack listeners.
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p.Listeners(AccountsChanged) != 1 {
		t.Fatalf("listeners stacked: %d", p.Listeners(AccountsChanged))
	}
}

func TestSession_NoProviderAndNoAccounts(t *testing.T) {
	s := NewSession(nil, nopCaller{}, nil)
	if err := s.Connect(context.Background()); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	if st := s.Snapshot(); st.Connected || !errors.Is(st.Err, ErrNoProvider) || st.Loading {
		t.Fatalf("unexpected state %+v", st)
	}

	p := newTestProvider(t)
	p.Lock()
	s = NewSession(p, nopCaller{}, nil)
	if err := s.Connect(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected ErrNoAccounts, got %v", err)
	}
}

func TestSession_LockDisconnectsAndDetaches(t *testing.T) {
	p := newTestProvider(t)
	s := NewSession(p, nopCaller{}, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	p.Lock()
	if s.Snapshot().Connected {
		t.Fatalf("lock should disconnect the session")
	}
	if p.Listeners(AccountsChanged) != 0 || p.Listeners(ChainChanged) != 0 {
		t.Fatalf("disconnect should detach provider listeners")
	}
}

func TestSession_ChainChangeDisconnects(t *testing.T) {
	p := newTestProvider(t)
	s := NewSession(p, nopCaller{}, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	p.SwitchChain(big.NewInt(1))
	if _, _, ok := s.Caller(); ok {
		t.Fatalf("chain switch should require reconnecting")
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := s.Snapshot().ChainID.Int64(); got != 1 {
		t.Fatalf("chain id = %d", got)
	}
}

func TestSubscription_CloseDetaches(t *testing.T) {
	p := newTestProvider(t)
	s := NewSession(p, nopCaller{}, nil)

	var seen []bool
	sub := s.Subscribe(func(st State) { seen = append(seen, st.Connected) })
	if len(seen) != 1 || seen[0] {
		t.Fatalf("Subscribe should deliver the current state first, got %v", seen)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if seen[len(seen)-1] != true {
		t.Fatalf("expected connected notification, got %v", seen)
	}

	sub.Close()
	sub.Close()
	n := len(seen)
	s.Disconnect()
	if len(seen) != n {
		t.Fatalf("closed subscription still notified")
	}
}

func TestKeyProvider_SignAndRecover(t *testing.T) {
	p := newTestProvider(t)
	msg := []byte("llmindex login")
	sig, err := p.Sign(context.Background(), p.Address(), msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("expected 27/28 recovery byte, got %d", sig[64])
	}
	addr, err := RecoverSigner(msg, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if addr != p.Address() {
		t.Fatalf("recovered %s want %s", addr.Hex(), p.Address().Hex())
	}

	if _, err := p.Sign(context.Background(), common.HexToAddress("0x01"), msg); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestLoadKeyProvider(t *testing.T) {
	const key = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	p, err := LoadKeyProvider(key, big.NewInt(1))
	if err != nil {
		t.Fatalf("LoadKeyProvider: %v", err)
	}
	want := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	if p.Address() != want {
		t.Fatalf("address %s want %s", p.Address().Hex(), want.Hex())
	}
	if _, err := LoadKeyProvider("zz", big.NewInt(1)); err == nil {
		t.Fatalf("expected parse error")
	}
}
