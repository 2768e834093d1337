package model

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error class.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindMalformedIdentifier Kind = "MALFORMED_IDENTIFIER"
	KindInvalidEncoding     Kind = "INVALID_ENCODING"
	KindNameTooLong         Kind = "NAME_TOO_LONG"
	KindRegistryUnavailable Kind = "REGISTRY_UNAVAILABLE"
	KindUnauthenticated     Kind = "UNAUTHENTICATED"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindContentNotFound     Kind = "CONTENT_NOT_FOUND"
	KindContentUnavailable  Kind = "CONTENT_UNAVAILABLE"
	KindTimeout             Kind = "TIMEOUT"
)

// Sentinels for errors.Is. They match any *Error of the same Kind regardless
// of the name, identifier, or cause it carries.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrMalformedIdentifier = &Error{Kind: KindMalformedIdentifier}
	ErrInvalidEncoding     = &Error{Kind: KindInvalidEncoding}
	ErrNameTooLong         = &Error{Kind: KindNameTooLong}
	ErrRegistryUnavailable = &Error{Kind: KindRegistryUnavailable}
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrContentNotFound     = &Error{Kind: KindContentNotFound}
	ErrContentUnavailable  = &Error{Kind: KindContentUnavailable}
	ErrTimeout             = &Error{Kind: KindTimeout}
)

// Error carries an error Kind plus the name or identifier it concerns, so a
// UI can render an actionable message without parsing strings.
type Error struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name,omitempty"`
	CID  string `json:"cid,omitempty"`
	Err  error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	switch {
	case e.Name != "":
		msg += fmt.Sprintf(": name %q", e.Name)
	case e.CID != "":
		msg += fmt.Sprintf(": cid %s", e.CID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// NameError returns an error of kind k about a registry name.
func NameError(k Kind, name string, cause error) *Error {
	return &Error{Kind: k, Name: name, Err: cause}
}

// CIDError returns an error of kind k about a content identifier.
func CIDError(k Kind, id string, cause error) *Error {
	return &Error{Kind: k, CID: id, Err: cause}
}

// NewError returns a bare error of kind k with a human message.
func NewError(k Kind, message string) *Error {
	return &Error{Kind: k, Err: errors.New(message)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// WithName returns err annotated with name when err is an *Error that does
// not already name its subject. Other errors are returned unchanged.
func WithName(err error, name string) error {
	var e *Error
	if !errors.As(err, &e) || e.Name != "" {
		return err
	}
	out := *e
	out.Name = name
	return &out
}
