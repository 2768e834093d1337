package wallet

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// State is a point-in-time view of a Session.
type State struct {
	Account   common.Address
	ChainID   *big.Int
	Connected bool
	Loading   bool
	Err       error
}

// Session tracks one wallet connection. Subscribers are notified on every
// state change, in subscription order, outside the session lock.
type Session struct {
	provider Provider
	backend  ethereum.ContractCaller
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	subs      map[uint64]func(State)
	subOrder  []uint64
	nextSub   uint64
	listening []providerListener
}

type providerListener struct {
	event Event
	id    ListenerID
}

// NewSession returns a disconnected session. backend is the chain read
// transport handed out by Caller once connected; provider may be nil, in
// which case Connect fails with ErrNoProvider.
func NewSession(provider Provider, backend ethereum.ContractCaller, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		provider: provider,
		backend:  backend,
		logger:   logger,
		subs:     make(map[uint64]func(State)),
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Caller returns the contract read handle and the connected account. ok is
// false while no wallet is connected.
func (s *Session) Caller() (ethereum.ContractCaller, common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Connected || s.backend == nil {
		return nil, common.Address{}, false
	}
	return s.backend, s.state.Account, true
}

// Connect requests accounts from the provider and, on success, starts
// following its account and chain notifications.
func (s *Session) Connect(ctx context.Context) error {
	s.update(func(st *State) {
		st.Loading = true
		st.Err = nil
	})

	if s.provider == nil {
		s.fail(ErrNoProvider)
		return ErrNoProvider
	}
	accounts, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		s.fail(err)
		return err
	}
	if len(accounts) == 0 {
		s.fail(ErrNoAccounts)
		return ErrNoAccounts
	}
	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		s.fail(err)
		return err
	}

	s.update(func(st *State) {
		*st = State{Account: accounts[0], ChainID: chainID, Connected: true}
	})
	s.listen()
	s.logger.Info("wallet connected", "account", accounts[0].Hex(), "chain_id", chainID)
	return nil
}

// Disconnect resets the session and detaches from the provider.
func (s *Session) Disconnect() {
	s.unlisten()
	s.update(func(st *State) { *st = State{} })
	s.logger.Info("wallet disconnected")
}

// Subscribe registers fn and calls it once with the current state. The
// returned Subscription detaches fn when closed.
func (s *Session) Subscribe(fn func(State)) *Subscription {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.subOrder = append(s.subOrder, id)
	st := s.state
	s.mu.Unlock()

	fn(st)
	return &Subscription{session: s, id: id}
}

// Subscription is a registered state listener.
type Subscription struct {
	session *Session
	id      uint64
	once    sync.Once
}

// Close detaches the listener. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		s := sub.session
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, sub.id)
		for i, id := range s.subOrder {
			if id == sub.id {
				s.subOrder = append(s.subOrder[:i], s.subOrder[i+1:]...)
				break
			}
		}
	})
}

func (s *Session) fail(err error) {
	s.update(func(st *State) {
		st.Loading = false
		st.Err = err
	})
	s.logger.Warn("wallet connect failed", "error", err)
}

func (s *Session) update(mutate func(*State)) {
	s.mu.Lock()
	mutate(&s.state)
	st := s.state
	fns := make([]func(State), 0, len(s.subOrder))
	for _, id := range s.subOrder {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listening) > 0 {
		return
	}
	s.listening = []providerListener{
		{AccountsChanged, s.provider.On(AccountsChanged, s.onAccountsChanged)},
		{ChainChanged, s.provider.On(ChainChanged, s.onChainChanged)},
	}
}

func (s *Session) unlisten() {
	s.mu.Lock()
	ls := s.listening
	s.listening = nil
	s.mu.Unlock()
	for _, l := range ls {
		s.provider.Off(l.event, l.id)
	}
}

func (s *Session) onAccountsChanged(params any) {
	accounts, _ := params.([]common.Address)
	if len(accounts) == 0 {
		s.logger.Info("wallet locked or no accounts connected")
		s.Disconnect()
		return
	}
	s.update(func(st *State) { st.Account = accounts[0] })
	s.logger.Info("wallet account changed", "account", accounts[0].Hex())
}

// A chain switch invalidates anything read from the previous chain, so the
// session drops back to disconnected and the caller must Connect again.
func (s *Session) onChainChanged(params any) {
	chainID, _ := params.(*big.Int)
	s.logger.Info("wallet chain changed", "chain_id", chainID)
	s.Disconnect()
}
