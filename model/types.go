package model

import "time"

// ContentIdentifier is the assembled identifier read from the registry.
//
// Raw is the concatenation of both decoded registry fields with null bytes
// removed. It is not guaranteed to be a well-formed CID until the resolver
// has validated it.
type ContentIdentifier struct {
	Raw string `json:"raw"`
}

func (c ContentIdentifier) String() string { return c.Raw }

func (c ContentIdentifier) IsZero() bool { return c.Raw == "" }

// RegistryEntry is one registry record as returned by the index contract.
// Field1 and Field2 hold the two halves of the content identifier.
type RegistryEntry struct {
	Name   string   `json:"name"`
	Field1 [32]byte `json:"field1"`
	Field2 [32]byte `json:"field2"`
}

// ResolvedName is a name whose identifier has been decoded and validated.
type ResolvedName struct {
	Name       string            `json:"name"`
	Identifier ContentIdentifier `json:"identifier"`
	ResolvedAt time.Time         `json:"resolvedAt"`
}

// ContentBlob is content retrieved for an identifier.
//
// JSON note: Bytes are encoded as base64 by encoding/json.
type ContentBlob struct {
	Identifier ContentIdentifier `json:"identifier"`
	Bytes      []byte            `json:"bytes"`
	FetchedAt  time.Time         `json:"fetchedAt"`
}

// Result is one item of a batch resolution. Exactly one of Resolved or Err
// is set.
type Result struct {
	Name     string
	Resolved *ResolvedName
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }
