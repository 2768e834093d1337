package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/ipfs/go-cid"
)

// CAS is the content-store boundary: a content-addressed get/put interface
// over some route to a distributed network (local repo, gateway, daemon).
//
// Contract:
//   - Put MUST be idempotent and returns the CIDv1 raw sha2-256 of the bytes.
//   - Stored objects MUST be immutable.
//   - Get and Open MUST return ErrNotFound only when the route authoritatively
//     reports absence. Transport failures are returned as other errors.
//   - Open streams the content; a failure after the first byte MUST surface
//     as a Read error, never as a short read followed by io.EOF.
//   - All methods honour ctx cancellation.
type CAS interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Open(ctx context.Context, id cid.Cid) (io.ReadCloser, error)
	Has(ctx context.Context, id cid.Cid) bool
}

// OpenFromGet adapts a route without native streaming: it fetches the whole
// object and serves it from memory.
func OpenFromGet(ctx context.Context, c CAS, id cid.Cid) (io.ReadCloser, error) {
	b, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
