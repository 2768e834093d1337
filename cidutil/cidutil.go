package cidutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
//
// This is the CID every route in this module writes with.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// DefaultPrefixes are the textual CID prefixes accepted when a Grammar does
// not list its own: CIDv0 ("Qm") and base32 CIDv1 for dag-pb ("bafy") and
// raw ("bafk") blocks hashed with sha2-256.
var DefaultPrefixes = []string{"Qm", "bafy", "bafk"}

// cidV0Len is the length of a base58btc sha2-256 CIDv0.
const cidV0Len = 46

var (
	ErrEmpty        = errors.New("cidutil: empty identifier")
	ErrPrefix       = errors.New("cidutil: unrecognized identifier prefix")
	ErrLength       = errors.New("cidutil: identifier length out of class")
	ErrNotCanonical = errors.New("cidutil: identifier is not in canonical form")
)

// Grammar describes which textual identifiers a store is expected to hold.
type Grammar struct {
	// Prefixes lists accepted identifier prefixes. Empty means DefaultPrefixes.
	Prefixes []string
}

// Parse checks raw against the grammar and decodes it.
func (g Grammar) Parse(raw string) (cid.Cid, error) {
	if raw == "" {
		return cid.Undef, ErrEmpty
	}
	prefixes := g.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	matched := false
	for _, p := range prefixes {
		if strings.HasPrefix(raw, p) {
			matched = true
			break
		}
	}
	if !matched {
		return cid.Undef, ErrPrefix
	}

	id, err := cid.Decode(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: %w", err)
	}
	if !id.Defined() {
		return cid.Undef, ErrEmpty
	}
	if id.Version() == 0 && len(raw) != cidV0Len {
		return cid.Undef, ErrLength
	}
	// Reject alternative spellings so the registry value is the cache key.
	if id.String() != raw {
		return cid.Undef, ErrNotCanonical
	}
	return id, nil
}

// Verify checks data against id when id addresses a raw block.
//
// For other codecs (e.g. dag-pb) the bytes returned by a store are the
// reassembled file, not the block, so they cannot be checked against the
// multihash; Verify returns nil for those.
func Verify(id cid.Cid, data []byte) (bool, error) {
	if id.Type() != cid.Raw {
		return false, nil
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return false, err
	}
	if !got.Equals(id) {
		return true, fmt.Errorf("cidutil: bytes do not match %s", id)
	}
	return true, nil
}
