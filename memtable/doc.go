// Package memtable implements the in-memory write buffer of the storage
// engine: an arena-backed sorted table of versioned records, a refcounted
// immutable snapshot of the unflushed tables (Version), and the controller
// that drives the freeze, pick, flush and commit lifecycle (List).
//
// A MemTable is written by a single writer while mutable, then frozen and
// handed to a List, which only ever mutates its state through copy-on-write
// Version swaps so that readers can pin a consistent snapshot without
// holding the structural mutex.
package memtable
