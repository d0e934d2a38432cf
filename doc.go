// Package birch provides the in-memory write buffer of an LSM storage
// engine: versioned writes into an active memtable, rotation into frozen
// generations, background flushing into immutable table files, and
// manifest commits that make flush results durable.
//
// The entry point is Buffer:
//
//	buf, err := birch.New(ctx, birch.WithBlobStore(store))
//	if err != nil { ... }
//	defer buf.Close(ctx)
//
//	_ = buf.Put(ctx, []byte("k"), []byte("v"))
//	v, err := buf.Get(ctx, []byte("k"))
//
// Reads are multi-version: Get observes the newest committed state, GetAt
// reads as of an earlier sequence number, and deletions are first-class
// tombstones that shadow older values until compaction.
package birch
