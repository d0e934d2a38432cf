package birch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchdb/birch/blobstore"
	"github.com/birchdb/birch/manifest"
	"github.com/birchdb/birch/memtable"
)

func TestBufferPutGetDelete(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx)
	require.NoError(t, err)
	defer buf.Close(ctx)

	require.NoError(t, buf.Put(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, buf.Put(ctx, []byte("k2"), []byte("v2")))

	v, err := buf.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	// Overwrites are visible immediately.
	require.NoError(t, buf.Put(ctx, []byte("k1"), []byte("v1.2")))
	v, err = buf.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, "v1.2", string(v))

	// A deletion reads as not-found, distinguishable from a plain miss.
	require.NoError(t, buf.Delete(ctx, []byte("k1")))
	_, err = buf.Get(ctx, []byte("k1"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.ErrorIs(t, err, memtable.ErrKeyDeleted)

	_, err = buf.Get(ctx, []byte("never-written"))
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.NotErrorIs(t, err, memtable.ErrKeyDeleted)

	// The other key is untouched.
	v, err = buf.Get(ctx, []byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
}

func TestBufferGetAt(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx)
	require.NoError(t, err)
	defer buf.Close(ctx)

	require.NoError(t, buf.Put(ctx, []byte("k"), []byte("old")))
	snapshot := buf.Sequence()

	require.NoError(t, buf.Put(ctx, []byte("k"), []byte("new")))
	require.NoError(t, buf.Delete(ctx, []byte("k")))

	// Latest state is the tombstone.
	_, err = buf.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	// The snapshot still reads the old value.
	v, err := buf.GetAt(ctx, []byte("k"), snapshot)
	require.NoError(t, err)
	assert.Equal(t, "old", string(v))

	// Before the first write nothing is visible.
	_, err = buf.GetAt(ctx, []byte("k"), 0)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBufferEmptyKey(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx)
	require.NoError(t, err)
	defer buf.Close(ctx)

	require.ErrorIs(t, buf.Put(ctx, nil, []byte("v")), ErrEmptyKey)
	require.ErrorIs(t, buf.Delete(ctx, []byte{}), ErrEmptyKey)
	_, err = buf.Get(ctx, nil)
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestBufferFlushDrainsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	buf, err := New(ctx,
		WithBlobStore(store),
		WithWriteBufferSize(1024),
		WithColumnFamilyName("cf-test"),
	)
	require.NoError(t, err)
	defer buf.Close(ctx)

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, buf.Put(ctx, []byte(key), []byte("value")))
	}
	require.NoError(t, buf.Flush(ctx))

	stats := buf.Stats()
	assert.Equal(t, 0, stats.UnflushedTables)

	// The flushes were journaled through the manifest.
	edits, err := manifest.NewStore(store).Load(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, edits)
	assert.Equal(t, "cf-test", edits[0].ColumnFamily)
	var files uint64
	for _, e := range edits {
		for _, f := range e.AddedFiles {
			files += f.Entries
		}
	}
	assert.Equal(t, uint64(8), files)
}

func TestBufferFlushEmpty(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx)
	require.NoError(t, err)
	defer buf.Close(ctx)

	require.NoError(t, buf.Flush(ctx))
}

func TestBufferHistoryServesReadsAfterFlush(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx, WithMaxWriteBufferNumberToMaintain(8))
	require.NoError(t, err)
	defer buf.Close(ctx)

	require.NoError(t, buf.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, buf.Flush(ctx))

	stats := buf.Stats()
	assert.Equal(t, 0, stats.UnflushedTables)
	assert.Equal(t, 1, stats.RetainedTables)

	// The flushed table left the write path but still serves reads.
	v, err := buf.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestBufferWithoutHistoryDropsFlushedData(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx)
	require.NoError(t, err)
	defer buf.Close(ctx)

	require.NoError(t, buf.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, buf.Flush(ctx))

	// With retention disabled the flushed table is gone from the read
	// path; lookups now belong to the table files.
	_, err = buf.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBufferMetrics(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	buf, err := New(ctx, WithMetricsCollector(metrics))
	require.NoError(t, err)
	defer buf.Close(ctx)

	require.NoError(t, buf.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, buf.Delete(ctx, []byte("a")))
	_, _ = buf.Get(ctx, []byte("a"))
	_, _ = buf.Get(ctx, []byte("b"))

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.PutCount)
	assert.Equal(t, int64(2), stats.GetCount)
	assert.Equal(t, int64(2), stats.GetMisses)
}

func TestBufferClose(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx)
	require.NoError(t, err)

	require.NoError(t, buf.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, buf.Close(ctx))

	require.ErrorIs(t, buf.Put(ctx, []byte("k"), []byte("v")), ErrClosed)
	_, err = buf.Get(ctx, []byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, buf.Flush(ctx), ErrClosed)

	// Closing twice is fine.
	require.NoError(t, buf.Close(ctx))
}

func TestBufferConcurrentWritesAndReads(t *testing.T) {
	ctx := context.Background()
	buf, err := New(ctx, WithMaxWriteBufferNumberToMaintain(8))
	require.NoError(t, err)
	defer buf.Close(ctx)

	const writers = 4
	const perWriter = 50
	done := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if err := buf.Put(ctx, []byte(key), []byte(key)); err != nil {
					done <- err
					return
				}
				if _, err := buf.Get(ctx, []byte(key)); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(w)
	}
	for w := 0; w < writers; w++ {
		require.NoError(t, <-done)
	}

	require.NoError(t, buf.Flush(ctx))
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := fmt.Sprintf("w%d-k%d", w, i)
			v, err := buf.Get(ctx, []byte(key))
			require.NoError(t, err)
			assert.Equal(t, key, string(v))
		}
	}
}
