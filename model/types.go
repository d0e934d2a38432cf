package model

import "fmt"

// SequenceNumber is the monotonically increasing write-order counter.
// Every record carries the sequence number it was written at; reads carry
// an upper bound that limits which records are visible.
type SequenceNumber uint64

// MaxSequenceNumber is the largest valid sequence number. The top byte of
// the packed trailer is reserved for the value kind, so sequence numbers
// occupy 56 bits.
const MaxSequenceNumber = SequenceNumber((1 << 56) - 1)

// ValueKind discriminates the record types stored in a memtable.
type ValueKind uint8

const (
	// KindDeletion marks a key as logically removed at a sequence number.
	// It shadows older values without meaning "absent".
	KindDeletion ValueKind = 0x0

	// KindValue is an ordinary key/value record.
	KindValue ValueKind = 0x1
)

// String returns a human-readable kind name.
func (k ValueKind) String() string {
	switch k {
	case KindDeletion:
		return "deletion"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TableID uniquely identifies a memtable generation within a keyspace
// partition. IDs are assigned at rotation time and increase with creation
// order.
type TableID uint64

// FileNumber identifies a persisted sorted-table file produced by a flush.
type FileNumber uint64
