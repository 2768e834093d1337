package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: cid mismatch")
	ErrImmutable   = errors.New("storage: immutable object mismatch")
	ErrUnavailable = errors.New("storage: route unavailable")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPermanent reports errors that retrying the same route cannot fix:
// authoritative absence, a malformed identifier, or bytes that fail
// verification. Context cancellation by the caller is also permanent.
func IsPermanent(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidCID),
		errors.Is(err, ErrCIDMismatch),
		errors.Is(err, ErrImmutable),
		errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}
