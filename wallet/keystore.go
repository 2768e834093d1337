package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyStore is a local-first store of named secp256k1 signing keys, one
// hex-encoded key per file (<dir>/<name>.key, mode 0600).
//
// It holds unencrypted keys and is meant for development machines and
// headless hosts; interactive users bring their own wallet.
type KeyStore struct {
	Directory string
}

type KeyEntry struct {
	Name    string
	Address common.Address
}

var ErrKeyExists = errors.New("wallet: key already exists")

func DefaultKeyDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".llmindex", "keys"), nil
}

// OpenKeyStore returns a store rooted at dir, or at DefaultKeyDirectory when
// dir is empty. The directory is created on first write.
func OpenKeyStore(dir string) (*KeyStore, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultKeyDirectory(); err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: dir}, nil
}

func CheckKeyName(name string) error {
	if name == "" {
		return errors.New("wallet: key name cannot be empty")
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("wallet: invalid character %q in key name", r)
	}
	return nil
}

func (ks *KeyStore) path(name string) string {
	return filepath.Join(ks.Directory, name+".key")
}

// Init stores key under name. A nil key generates a fresh one. Existing
// keys are only replaced when overwrite is set.
func (ks *KeyStore) Init(name string, key *ecdsa.PrivateKey, overwrite bool) (common.Address, error) {
	if err := CheckKeyName(name); err != nil {
		return common.Address{}, err
	}
	if key == nil {
		var err error
		if key, err = crypto.GenerateKey(); err != nil {
			return common.Address{}, err
		}
	}
	if err := os.MkdirAll(ks.Directory, 0o700); err != nil {
		return common.Address{}, err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(ks.path(name), flags, 0o600)
	if errors.Is(err, os.ErrExist) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrKeyExists, name)
	}
	if err != nil {
		return common.Address{}, err
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(crypto.FromECDSA(key)) + "\n"); err != nil {
		return common.Address{}, err
	}
	if err := f.Close(); err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (ks *KeyStore) Load(name string) (*ecdsa.PrivateKey, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.path(name))
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: key %s: %w", name, err)
	}
	return key, nil
}

// Provider returns a KeyProvider for the named key.
func (ks *KeyStore) Provider(name string, chainID *big.Int) (*KeyProvider, error) {
	key, err := ks.Load(name)
	if err != nil {
		return nil, err
	}
	return NewKeyProvider(key, chainID), nil
}

// List returns stored keys sorted by name. A missing directory is empty.
func (ks *KeyStore) List() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".key") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".key"))
	}
	sort.Strings(names)

	out := make([]KeyEntry, 0, len(names))
	for _, name := range names {
		key, err := ks.Load(name)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyEntry{Name: name, Address: crypto.PubkeyToAddress(key.PublicKey)})
	}
	return out, nil
}
