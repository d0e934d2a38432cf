// Package model defines core types shared across the birch write-buffer
// subsystem.
//
// # Identity Types
//
//   - SequenceNumber: Monotonic write-order counter used for MVCC visibility
//   - TableID: Unique identifier for a memtable generation (uint64)
//   - FileNumber: Identifier for a persisted sorted-table file (uint64)
//
// # Record Types
//
//   - ValueKind: Discriminates value records from deletion tombstones
package model
