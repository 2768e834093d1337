// Package bytes32 converts between strings and the fixed-width 32-byte slots
// the name index contract stores names and split content identifiers in.
//
// The codec is purely mechanical. It never checks whether a decoded string is
// a well-formed content identifier; that belongs to the resolver.
//
// Every zero byte inside a field is treated as padding. Fields are assumed to
// hold printable name/CID characters only; a registry storing binary payloads
// with embedded zero bytes would be silently corrupted by DecodeField.
package bytes32

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"xdao.co/llmindex/model"
)

// Size is the width of a registry field in bytes.
const Size = 32

// Field is one fixed-width registry slot.
type Field [Size]byte

// DecodeField drops every zero byte from f and returns the remaining bytes as
// a string. It fails only on a zero-length input.
func DecodeField(f []byte) (string, error) {
	if len(f) == 0 {
		return "", model.NewError(model.KindInvalidEncoding, "bytes32: empty field")
	}
	out := make([]byte, 0, len(f))
	for _, b := range f {
		if b != 0 {
			out = append(out, b)
		}
	}
	return string(out), nil
}

// Decode is DecodeField for a Field value.
func (f Field) Decode() string {
	s, _ := DecodeField(f[:])
	return s
}

// Combine concatenates the decoded fields in order.
func Combine(f1, f2 Field) (model.ContentIdentifier, error) {
	s1, err := DecodeField(f1[:])
	if err != nil {
		return model.ContentIdentifier{}, err
	}
	s2, err := DecodeField(f2[:])
	if err != nil {
		return model.ContentIdentifier{}, err
	}
	return model.ContentIdentifier{Raw: s1 + s2}, nil
}

// EncodeName left-justifies the UTF-8 bytes of name in a zero-padded field.
func EncodeName(name string) (Field, error) {
	var f Field
	if len(name) > Size {
		return f, model.NameError(model.KindNameTooLong, name, fmt.Errorf("bytes32: %d bytes exceeds %d", len(name), Size))
	}
	copy(f[:], name)
	return f, nil
}

// SplitIdentifier packs an identifier string into two fields, first field
// filled before the second. It is the inverse of Combine for identifiers with
// no zero bytes.
func SplitIdentifier(id string) (Field, Field, error) {
	var f1, f2 Field
	if len(id) > 2*Size {
		return f1, f2, model.CIDError(model.KindNameTooLong, id, fmt.Errorf("bytes32: %d bytes exceeds %d", len(id), 2*Size))
	}
	n := copy(f1[:], id)
	copy(f2[:], id[n:])
	return f1, f2, nil
}

// Hex returns f as 0x-prefixed lowercase hex, the form JSON-RPC uses.
func (f Field) Hex() string {
	return hexutil.Encode(f[:])
}

func (f Field) String() string { return f.Hex() }

// ParseHex parses a 0x-prefixed (or bare) 64-digit hex string.
func ParseHex(s string) (Field, error) {
	var f Field
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return f, &model.Error{Kind: model.KindInvalidEncoding, Err: errors.Join(errors.New("bytes32: invalid hex"), err)}
	}
	if len(b) != Size {
		return f, model.NewError(model.KindInvalidEncoding, fmt.Sprintf("bytes32: want %d bytes, got %d", Size, len(b)))
	}
	copy(f[:], b)
	return f, nil
}

// MarshalText implements encoding.TextMarshaler.
func (f Field) MarshalText() ([]byte, error) { return []byte(f.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Field) UnmarshalText(b []byte) error {
	v, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
