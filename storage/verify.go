package storage

import (
	"bytes"
	"fmt"
	"hash"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	mhcore "github.com/multiformats/go-multihash/core"

	"xdao.co/llmindex/cidutil"
)

// VerifyBytes checks b against id for raw-block CIDs (see cidutil.Verify).
func VerifyBytes(id cid.Cid, b []byte) error {
	if _, err := cidutil.Verify(id, b); err != nil {
		return fmt.Errorf("%w: %v", ErrCIDMismatch, err)
	}
	return nil
}

// VerifyingReader wraps rc so that, for raw-block CIDs, the digest of the
// streamed bytes is checked against id when the stream reaches EOF. A
// mismatch replaces io.EOF with ErrCIDMismatch.
func VerifyingReader(id cid.Cid, rc io.ReadCloser) (io.ReadCloser, error) {
	if id.Type() != cid.Raw {
		return rc, nil
	}
	dec, err := multihash.Decode(id.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	h, err := mhcore.GetHasher(dec.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	return &verifyingReader{rc: rc, h: h, want: dec.Digest}, nil
}

type verifyingReader struct {
	rc   io.ReadCloser
	h    hash.Hash
	want []byte
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		_, _ = v.h.Write(p[:n])
	}
	if err == io.EOF {
		sum := v.h.Sum(nil)
		if len(sum) < len(v.want) || !bytes.Equal(sum[:len(v.want)], v.want) {
			return n, ErrCIDMismatch
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error { return v.rc.Close() }
