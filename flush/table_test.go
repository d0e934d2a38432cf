package flush

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchdb/birch/blobstore"
	"github.com/birchdb/birch/memtable"
	"github.com/birchdb/birch/model"
	"github.com/birchdb/birch/resource"
)

func TestBlobTableWriterMergesGenerations(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := NewBlobTableWriter(store, nil)

	m1 := memtable.New(1, nil)
	m1.Ref()
	require.NoError(t, m1.Add(1, model.KindValue, []byte("apple"), []byte("red")))
	require.NoError(t, m1.Add(2, model.KindValue, []byte("cherry"), []byte("dark")))

	m2 := memtable.New(2, nil)
	m2.Ref()
	require.NoError(t, m2.Add(3, model.KindDeletion, []byte("apple"), nil))
	require.NoError(t, m2.Add(4, model.KindValue, []byte("banana"), []byte("yellow")))

	meta, err := w.BuildTable(ctx, 7, []*memtable.MemTable{m1, m2})
	require.NoError(t, err)

	assert.Equal(t, model.FileNumber(7), meta.FileNumber)
	assert.Equal(t, TableFileName(7), meta.Path)
	assert.Equal(t, []byte("apple"), meta.SmallestKey)
	assert.Equal(t, []byte("cherry"), meta.LargestKey)
	assert.Equal(t, model.SequenceNumber(1), meta.SmallestSeq)
	assert.Equal(t, model.SequenceNumber(4), meta.LargestSeq)
	assert.Equal(t, uint64(4), meta.Entries)
	assert.Equal(t, uint64(1), meta.Deletes)
	assert.Positive(t, meta.Size)

	entries, err := ReadTable(ctx, store, meta.Path)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	// Merged order: user key ascending, newest record of a key first. The
	// deletion shadows the older apple value but both are kept.
	assert.Equal(t, "apple", string(entries[0].UserKey))
	assert.Equal(t, model.SequenceNumber(3), entries[0].Sequence)
	assert.Equal(t, model.KindDeletion, entries[0].Kind)

	assert.Equal(t, "apple", string(entries[1].UserKey))
	assert.Equal(t, model.SequenceNumber(1), entries[1].Sequence)
	assert.Equal(t, "red", string(entries[1].Value))

	assert.Equal(t, "banana", string(entries[2].UserKey))
	assert.Equal(t, "yellow", string(entries[2].Value))

	assert.Equal(t, "cherry", string(entries[3].UserKey))
}

func TestBlobTableWriterEmptyInput(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	w := NewBlobTableWriter(store, nil)

	m := memtable.New(1, nil)
	m.Ref()

	meta, err := w.BuildTable(ctx, 1, []*memtable.MemTable{m})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), meta.Entries)

	entries, err := ReadTable(ctx, store, meta.Path)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBlobTableWriterWithIOLimit(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	res := resource.NewController(resource.Config{IOLimitBytesPerSec: 1 << 20})
	w := NewBlobTableWriter(store, nil, func(o *BlobTableWriterOptions) {
		o.Resources = res
	})

	m := memtable.New(1, nil)
	m.Ref()
	require.NoError(t, m.Add(1, model.KindValue, []byte("k"), []byte("v")))

	meta, err := w.BuildTable(ctx, 2, []*memtable.MemTable{m})
	require.NoError(t, err)

	entries, err := ReadTable(ctx, store, meta.Path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v", string(entries[0].Value))
}

func TestReadTableCorrupt(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	require.NoError(t, store.Put(ctx, "bad.tbl", []byte("not a table")))
	_, err := ReadTable(ctx, store, "bad.tbl")
	require.ErrorIs(t, err, ErrCorruptTable)

	// Truncated record body.
	truncated := append(append([]byte(nil), tableMagic...), 0x05, 0x01, 'a')
	require.NoError(t, store.Put(ctx, "trunc.tbl", truncated))
	_, err = ReadTable(ctx, store, "trunc.tbl")
	require.ErrorIs(t, err, ErrCorruptTable)

	_, err = ReadTable(ctx, store, "missing.tbl")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
