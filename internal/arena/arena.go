// Package arena provides a chunked append-only allocator backing memtable
// records.
//
// # Concurrency Model
//
// A memtable has a single allocating writer; concurrent readers only ever
// see slices returned by completed Alloc calls, which stay valid and
// immutable until Release. Release must not run concurrently with
// allocations or reads.
//
// # Memory Management
//
// Memory is reserved from an optional MemoryAcquirer in whole chunks and
// handed back in one step on Release, so the cost of accounting is paid per
// chunk, not per record.
package arena

import "fmt"

// MemoryAcquirer reserves memory against a global budget.
type MemoryAcquirer interface {
	// AcquireMemory reserves amount bytes. It fails when the budget is
	// exhausted; the arena surfaces that failure to its caller.
	AcquireMemory(amount int64) error

	// ReleaseMemory returns previously reserved bytes.
	ReleaseMemory(amount int64)
}

// DefaultChunkSize is the default allocation chunk size.
const DefaultChunkSize = 256 * 1024

// Options configures an Arena.
type Options struct {
	// ChunkSize is the size of each allocation chunk.
	ChunkSize int

	// Acquirer charges chunk reservations against a shared budget.
	// Nil disables accounting.
	Acquirer MemoryAcquirer
}

// Arena is a chunked bump allocator.
type Arena struct {
	chunkSize int
	acquirer  MemoryAcquirer

	chunks   [][]byte
	cur      []byte
	off      int
	used     int64
	reserved int64
}

// New creates an empty arena.
func New(optFns ...func(o *Options)) *Arena {
	opts := Options{ChunkSize: DefaultChunkSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Arena{
		chunkSize: opts.ChunkSize,
		acquirer:  opts.Acquirer,
	}
}

// Alloc returns a zeroed byte slice of length n carved from the arena.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("arena: invalid allocation size %d", n)
	}
	if n > a.chunkSize {
		// Oversized allocations get a dedicated chunk.
		if err := a.grow(n); err != nil {
			return nil, err
		}
		chunk := a.chunks[len(a.chunks)-1]
		a.used += int64(n)
		return chunk, nil
	}
	if a.off+n > len(a.cur) {
		if err := a.grow(a.chunkSize); err != nil {
			return nil, err
		}
		a.cur = a.chunks[len(a.chunks)-1]
		a.off = 0
	}
	b := a.cur[a.off : a.off+n : a.off+n]
	a.off += n
	a.used += int64(n)
	return b, nil
}

func (a *Arena) grow(size int) error {
	if a.acquirer != nil {
		if err := a.acquirer.AcquireMemory(int64(size)); err != nil {
			return err
		}
	}
	a.chunks = append(a.chunks, make([]byte, size))
	a.reserved += int64(size)
	return nil
}

// Len returns the number of bytes handed out by Alloc.
func (a *Arena) Len() int64 { return a.used }

// Reserved returns the total bytes reserved from the acquirer.
func (a *Arena) Reserved() int64 { return a.reserved }

// Release drops all chunks and returns the reservation to the acquirer.
// The arena must not be used afterwards.
func (a *Arena) Release() {
	if a.acquirer != nil && a.reserved > 0 {
		a.acquirer.ReleaseMemory(a.reserved)
	}
	a.chunks = nil
	a.cur = nil
	a.off = 0
	a.used = 0
	a.reserved = 0
}
