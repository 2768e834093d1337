// Package registry defines the read interface to the name index: the
// ledger-backed mapping from an LLM name to its split content identifier.
package registry

import (
	"context"
	"errors"
	"sync"

	"xdao.co/llmindex/bytes32"
	"xdao.co/llmindex/model"
)

// Client reads the name index. Each call issues exactly one query.
//
//   - ListNames returns names in registry order (not necessarily sorted).
//   - GetEntry fails with model.ErrNotFound for an unregistered name.
//   - Exists reports absence as false; it only fails when the registry
//     cannot be reached.
//
// Connectivity failures are model.ErrRegistryUnavailable; a missing session
// is model.ErrUnauthenticated; a rejected read credential is
// model.ErrUnauthorized.
type Client interface {
	ListNames(ctx context.Context) ([]string, error)
	GetEntry(ctx context.Context, name string) (model.RegistryEntry, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// Static is an in-memory, ordered registry. It backs offline use of the CLI
// (entries listed in the config file) and tests.
type Static struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]model.RegistryEntry
}

var _ Client = (*Static)(nil)

func NewStatic() *Static {
	return &Static{entries: make(map[string]model.RegistryEntry)}
}

// Register stores name → identifier the way the index contract does: name in
// one field, identifier split across two. Re-registering a name replaces its
// entry and keeps its position.
func (s *Static) Register(name, identifier string) error {
	nf, err := bytes32.EncodeName(name)
	if err != nil {
		return err
	}
	f1, f2, err := bytes32.SplitIdentifier(identifier)
	if err != nil {
		return err
	}
	s.Put(model.RegistryEntry{Name: nf.Decode(), Field1: f1, Field2: f2})
	return nil
}

// Put stores a raw entry, which may hold arbitrary field bytes.
func (s *Static) Put(e model.RegistryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Name]; !ok {
		s.order = append(s.order, e.Name)
	}
	s.entries[e.Name] = e
}

func (s *Static) ListNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *Static) GetEntry(ctx context.Context, name string) (model.RegistryEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.RegistryEntry{}, model.WithName(unavailable(err), name)
	}
	if _, err := bytes32.EncodeName(name); err != nil {
		return model.RegistryEntry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return model.RegistryEntry{}, model.NameError(model.KindNotFound, name, nil)
	}
	return e, nil
}

func (s *Static) Exists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, model.WithName(unavailable(err), name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[name]
	return ok, nil
}

func unavailable(cause error) error {
	return &model.Error{Kind: model.KindRegistryUnavailable, Err: cause}
}

// IsRetryable reports registry errors worth another attempt later.
func IsRetryable(err error) bool {
	return errors.Is(err, model.ErrRegistryUnavailable)
}
