// Package wallet is the boundary to the user's signing wallet. A Provider is
// the injected wallet object; a Session holds the connection state derived
// from it and hands out the read handle the registry client needs.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event names a provider notification.
type Event string

const (
	// AccountsChanged carries []common.Address; an empty list means the
	// wallet was locked or the user revoked access.
	AccountsChanged Event = "accountsChanged"
	// ChainChanged carries the new chain ID as *big.Int.
	ChainChanged Event = "chainChanged"
)

// Handler receives event parameters.
type Handler func(params any)

// ListenerID identifies a handler registered with Provider.On.
type ListenerID uint64

// Provider is the injected wallet object.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	// Sign returns an EIP-191 personal-message signature by account.
	Sign(ctx context.Context, account common.Address, msg []byte) ([]byte, error)
	On(event Event, h Handler) ListenerID
	Off(event Event, id ListenerID)
}

var (
	ErrNoAccounts     = errors.New("wallet: no accounts found")
	ErrUnknownAccount = errors.New("wallet: unknown account")
	ErrNoProvider     = errors.New("wallet: no provider detected")
)
