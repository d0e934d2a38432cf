package memtable

import (
	"fmt"
	"sync/atomic"

	"github.com/birchdb/birch/comparator"
	"github.com/birchdb/birch/internal/arena"
	"github.com/birchdb/birch/internal/keys"
	"github.com/birchdb/birch/internal/skiplist"
	"github.com/birchdb/birch/manifest"
	"github.com/birchdb/birch/model"
)

// ReadOptions carries per-lookup knobs. It is currently empty but keeps the
// Get signatures stable as options are added.
type ReadOptions struct{}

// LookupKey names a user key and the sequence number bounding visibility:
// only records written at or before Sequence are considered.
type LookupKey struct {
	UserKey  []byte
	Sequence model.SequenceNumber
}

// Options configure a MemTable.
type Options struct {
	// ChunkSize is the arena chunk size in bytes.
	ChunkSize int

	// Acquirer charges arena growth against a memory budget.
	Acquirer arena.MemoryAcquirer
}

// MemTable is a single sorted generation of the write buffer. It is written
// by one writer while mutable, frozen by MarkImmutable, and read lock-free
// at any point of its life.
//
// The flush lifecycle fields are guarded by the structural mutex of the
// owning List, not by the MemTable itself.
type MemTable struct {
	id    model.TableID
	cmp   keys.Comparer
	arena *arena.Arena
	table *skiplist.SkipList

	refs       atomic.Int64
	frozen     atomic.Bool
	numEntries atomic.Uint64
	numDeletes atomic.Uint64

	// Guarded by the owning list's structural mutex.
	flushInProgress bool
	flushCompleted  bool
	file            manifest.FileMetadata
}

// New creates an empty mutable memtable ordering records by userCmp. The
// returned table has a reference count of zero; the caller takes ownership
// with Ref.
func New(id model.TableID, userCmp comparator.Comparator, optFns ...func(o *Options)) *MemTable {
	opts := Options{
		ChunkSize: arena.DefaultChunkSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if userCmp == nil {
		userCmp = comparator.Bytewise()
	}

	a := arena.New(func(o *arena.Options) {
		o.ChunkSize = opts.ChunkSize
		o.Acquirer = opts.Acquirer
	})
	cmp := keys.Comparer{User: userCmp}

	return &MemTable{
		id:    id,
		cmp:   cmp,
		arena: a,
		table: skiplist.New(cmp.Compare, a),
	}
}

// ID returns the table's identifier, unique within its buffer.
func (m *MemTable) ID() model.TableID { return m.id }

// Ref takes a reference on the memtable.
func (m *MemTable) Ref() { m.refs.Add(1) }

// Unref drops a reference. When the count reaches zero the memtable is
// appended to toDelete; the caller destroys it with Close outside any lock.
func (m *MemTable) Unref(toDelete *[]*MemTable) {
	n := m.refs.Add(-1)
	if n < 0 {
		panic("memtable: refcount underflow")
	}
	if n == 0 && toDelete != nil {
		*toDelete = append(*toDelete, m)
	}
}

// Close releases the arena memory backing the table. No reads or writes may
// be in flight.
func (m *MemTable) Close() error {
	m.arena.Release()
	return nil
}

// Add appends a record for key at the given sequence number. For
// KindDeletion the value is ignored. The memtable must still be mutable;
// writing to a frozen table is a bug in the caller and panics.
func (m *MemTable) Add(seq model.SequenceNumber, kind model.ValueKind, key, value []byte) error {
	if m.frozen.Load() {
		panic("memtable: add to frozen table")
	}
	if kind == model.KindDeletion {
		value = nil
	}

	ikey := keys.AppendInternal(make([]byte, 0, len(key)+keys.TrailerLen), key, seq, kind)
	if err := m.table.Add(ikey, value); err != nil {
		return fmt.Errorf("memtable: add: %w", err)
	}

	m.numEntries.Add(1)
	if kind == model.KindDeletion {
		m.numDeletes.Add(1)
	}
	return nil
}

// Get looks up the newest record for lk.UserKey visible at lk.Sequence.
//
// The three outcomes are distinct: (value, true, nil) for a live value,
// (nil, true, ErrKeyDeleted) for a tombstone, and (nil, false, nil) when
// this table holds no visible record at all and the caller should consult
// older generations.
func (m *MemTable) Get(_ ReadOptions, lk LookupKey) ([]byte, bool, error) {
	seek := keys.AppendSeek(make([]byte, 0, len(lk.UserKey)+keys.TrailerLen), lk.UserKey, lk.Sequence)

	it := m.table.NewIterator()
	it.SeekGE(seek)
	if !it.Valid() {
		return nil, false, nil
	}
	ikey := it.Key()
	if m.cmp.User.Compare(keys.UserKey(ikey), lk.UserKey) != 0 {
		return nil, false, nil
	}

	_, kind := keys.Trailer(ikey)
	switch kind {
	case model.KindValue:
		stored := it.Value()
		value := make([]byte, len(stored))
		copy(value, stored)
		return value, true, nil
	case model.KindDeletion:
		return nil, true, ErrKeyDeleted
	default:
		return nil, false, fmt.Errorf("memtable: corrupt record kind %d", kind)
	}
}

// MarkImmutable freezes the memtable. Writes after this point panic.
func (m *MemTable) MarkImmutable() { m.frozen.Store(true) }

// NumEntries returns the number of records added, tombstones included.
func (m *MemTable) NumEntries() uint64 { return m.numEntries.Load() }

// NumDeletes returns the number of deletion tombstones added.
func (m *MemTable) NumDeletes() uint64 { return m.numDeletes.Load() }

// Empty reports whether no records were added.
func (m *MemTable) Empty() bool { return m.numEntries.Load() == 0 }

// ApproximateMemoryUsage returns the bytes reserved by the backing arena.
func (m *MemTable) ApproximateMemoryUsage() int64 { return m.arena.Reserved() }

// FileMetadata returns the table file this memtable was flushed into. It is
// zero until a flush result is installed. Guarded by the owning list's
// structural mutex.
func (m *MemTable) FileMetadata() manifest.FileMetadata { return m.file }

// NewIterator returns an iterator over the table's records in internal key
// order: user key ascending, then sequence number descending.
func (m *MemTable) NewIterator() *Iterator {
	return &Iterator{it: m.table.NewIterator()}
}

// Iterator walks a memtable's records, decoding the internal key for the
// caller. It is positioned before the first record until First or SeekGE.
type Iterator struct {
	it *skiplist.Iterator
}

// First positions the iterator at the smallest record.
func (it *Iterator) First() { it.it.First() }

// SeekGE positions the iterator at the first record for a user key >= ukey.
func (it *Iterator) SeekGE(ukey []byte) {
	seek := keys.AppendSeek(make([]byte, 0, len(ukey)+keys.TrailerLen), ukey, model.MaxSequenceNumber)
	it.it.SeekGE(seek)
}

// Valid reports whether the iterator is positioned at a record.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Next advances to the next record.
func (it *Iterator) Next() { it.it.Next() }

// UserKey returns the current record's user key.
func (it *Iterator) UserKey() []byte { return keys.UserKey(it.it.Key()) }

// Sequence returns the current record's sequence number.
func (it *Iterator) Sequence() model.SequenceNumber {
	seq, _ := keys.Trailer(it.it.Key())
	return seq
}

// Kind returns the current record's kind.
func (it *Iterator) Kind() model.ValueKind {
	_, kind := keys.Trailer(it.it.Key())
	return kind
}

// Value returns the current record's value. It is nil for tombstones.
func (it *Iterator) Value() []byte { return it.it.Value() }
