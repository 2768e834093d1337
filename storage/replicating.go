package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ipfs/go-cid"

	"xdao.co/llmindex/cidutil"
)

// NamedCAS associates a route with a stable name, so multi-route callers can
// report which route did what.
type NamedCAS struct {
	Name string
	CAS  CAS
}

// ReplicatingCAS writes to all configured routes.
//
// Reads fall back in order with the same rules as MultiCAS. Writes go to all
// routes and require all returned CIDs to match (otherwise ErrCIDMismatch).
type ReplicatingCAS struct {
	Backends []NamedCAS
	// Logger is passed to the read fallback. Nil discards.
	Logger *slog.Logger
}

var _ CAS = ReplicatingCAS{}

// PutAll writes the same bytes to all routes.
//
// It returns the canonical CID computed from bytes and a map of route name
// to returned CID.
func (r ReplicatingCAS) PutAll(ctx context.Context, data []byte) (cid.Cid, map[string]cid.Cid, error) {
	want, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, nil, err
	}
	if len(r.Backends) == 0 {
		return cid.Undef, nil, fmt.Errorf("storage: ReplicatingCAS has no backends")
	}

	out := make(map[string]cid.Cid, len(r.Backends))
	for _, b := range r.Backends {
		if b.CAS == nil {
			return cid.Undef, nil, fmt.Errorf("storage: nil CAS for backend %q", b.Name)
		}
		got, err := b.CAS.Put(ctx, data)
		if err != nil {
			return cid.Undef, out, fmt.Errorf("storage: put to %q: %w", b.Name, err)
		}
		out[b.Name] = got
		if got != want {
			return cid.Undef, out, ErrCIDMismatch
		}
	}
	return want, out, nil
}

func (r ReplicatingCAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, _, err := r.PutAll(ctx, data)
	return id, err
}

func (r ReplicatingCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	return r.multi().Get(ctx, id)
}

func (r ReplicatingCAS) Open(ctx context.Context, id cid.Cid) (io.ReadCloser, error) {
	return r.multi().Open(ctx, id)
}

func (r ReplicatingCAS) Has(ctx context.Context, id cid.Cid) bool {
	return r.multi().Has(ctx, id)
}

func (r ReplicatingCAS) multi() MultiCAS {
	routes := make([]NamedCAS, 0, len(r.Backends))
	for _, b := range r.Backends {
		if b.CAS != nil {
			routes = append(routes, b)
		}
	}
	return MultiCAS{Routes: routes, Logger: r.Logger}
}
