package testkit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ipfs/go-cid"

	"xdao.co/llmindex/cidutil"
	"xdao.co/llmindex/storage"
)

// MemCAS is an in-memory storage.CAS with fault injection for tests of the
// layers above storage.
type MemCAS struct {
	mu      sync.Mutex
	objects map[string][]byte
	faults  []error
	calls   int

	// Block, when non-nil, is received from before every Get/Open, letting
	// a test hold an attempt open until its deadline passes.
	Block chan struct{}
}

var _ storage.CAS = (*MemCAS)(nil)

func NewMemCAS() *MemCAS {
	return &MemCAS{objects: make(map[string][]byte)}
}

// FailNext queues errors returned, in order, by the next Get/Open calls.
func (m *MemCAS) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, errs...)
}

// Calls returns the number of Get/Open calls so far.
func (m *MemCAS) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Import stores data under id without deriving the CID.
func (m *MemCAS) Import(id cid.Cid, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id.String()] = append([]byte(nil), data...)
}

func (m *MemCAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.objects[id.String()]; ok {
		if !bytes.Equal(existing, data) {
			return cid.Undef, storage.ErrImmutable
		}
		return id, nil
	}
	m.objects[id.String()] = append([]byte(nil), data...)
	return id, nil
}

func (m *MemCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	m.mu.Lock()
	b, ok := m.objects[id.String()]
	m.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemCAS) Open(ctx context.Context, id cid.Cid) (io.ReadCloser, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemCAS) Has(ctx context.Context, id cid.Cid) bool {
	if !id.Defined() || ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[id.String()]
	return ok
}

func (m *MemCAS) enter(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	var fault error
	if len(m.faults) > 0 {
		fault = m.faults[0]
		m.faults = m.faults[1:]
	}
	block := m.Block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fault
}

// ErrTransient is a convenience fault for FailNext.
var ErrTransient = errors.New("testkit: transient route failure")
