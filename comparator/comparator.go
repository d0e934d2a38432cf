// Package comparator defines the user-key ordering used by memtables.
//
// The comparator is supplied at memtable construction and must define a
// total order over user keys. Implementations must be safe for concurrent
// use.
package comparator

import "bytes"

// Comparator defines a total order over user keys.
type Comparator interface {
	// Compare returns a negative value, zero, or a positive value if a is
	// ordered before, equal to, or after b.
	Compare(a, b []byte) int

	// Name identifies the ordering. A persisted file written under one
	// comparator must never be read under a differently named one.
	Name() string
}

// Bytewise orders keys lexicographically by their raw bytes.
// It is the default comparator.
func Bytewise() Comparator { return bytewise{} }

type bytewise struct{}

func (bytewise) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (bytewise) Name() string { return "birch.BytewiseComparator" }
