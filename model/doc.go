// Package model defines the boundary types shared by the registry, resolver,
// fetcher, and cache layers, plus the error taxonomy every layer reports with.
//
// These structs are the only types intended for direct JSON serialization by
// consumers (the CLI prints them; a UI layer renders them).
package model
