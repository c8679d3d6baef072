// Package idgen provides pluggable ID generation for the pipeline.
//
// Constructors across the module accept a Generator, making the ID strategy
// a startup-time decision rather than a compile-time one. Entity-scoped
// prefixes ("lst_", "src_", "rev_", "syn_", "aud_", "cns_", "run_") compose
// via Prefixed.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed returns a Generator that prepends a fixed prefix to IDs from
// the Default generator. Useful for type-scoped identifiers (e.g. "lst_",
// "src_", "aud_").
func Prefixed(prefix string) Generator {
	return func() string {
		return prefix + Default()
	}
}

// Default is the module default: UUIDv7 (RFC 9562).
// Time-sortable, globally unique. Prefixed variants should compose on top.
var Default Generator = UUIDv7()
