package flush

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchdb/birch/blobstore"
	"github.com/birchdb/birch/internal/logbuf"
	"github.com/birchdb/birch/manifest"
	"github.com/birchdb/birch/memtable"
	"github.com/birchdb/birch/model"
	"github.com/birchdb/birch/resource"
)

var errBoom = errors.New("boom")

type harness struct {
	mu      sync.Mutex
	list    *memtable.List
	store   *blobstore.MemoryStore
	journal *manifest.Store
	worker  *Worker
	done    chan error

	nextFile  uint64
	nextTable uint64
}

func newHarness(t *testing.T, minToMerge int, tweak func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		list:  memtable.NewList(minToMerge, 0),
		store: blobstore.NewMemoryStore(),
		done:  make(chan error, 16),
	}
	h.journal = manifest.NewStore(h.store)

	cfg := Config{
		ColumnFamily: &manifest.ColumnFamily{ID: 0, Name: "default"},
		List:         h.list,
		Writer:       NewBlobTableWriter(h.store, nil),
		Sink:         h.journal,
		Mu:           &h.mu,
		NextFileNumber: func() model.FileNumber {
			h.nextFile++
			return model.FileNumber(h.nextFile)
		},
		Resources: resource.NewController(resource.Config{MaxBackgroundFlushes: 1}),
		OnComplete: func(err error) {
			h.done <- err
		},
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.worker = NewWorker(cfg)
	return h
}

func (h *harness) addTable(t *testing.T, records map[string]string) {
	t.Helper()
	h.nextTable++
	m := memtable.New(model.TableID(h.nextTable), nil)
	m.Ref()
	seq := model.SequenceNumber(h.nextTable * 100)
	for k, v := range records {
		seq++
		require.NoError(t, m.Add(seq, model.KindValue, []byte(k), []byte(v)))
	}
	var toDelete []*memtable.MemTable
	h.mu.Lock()
	h.list.Add(m, &toDelete)
	h.mu.Unlock()
	for _, d := range toDelete {
		_ = d.Close()
	}
}

func TestWorkerFlushOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, nil)

	worked, err := h.worker.FlushOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	h.addTable(t, map[string]string{"k1": "v1", "k2": "v2"})
	worked, err = h.worker.FlushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	h.mu.Lock()
	assert.Equal(t, 0, h.list.NumNotFlushed())
	h.mu.Unlock()

	edits := h.journal.Edits()
	require.Len(t, edits, 1)
	require.Len(t, edits[0].AddedFiles, 1)
	meta := edits[0].AddedFiles[0]
	assert.Equal(t, uint64(2), meta.Entries)

	entries, err := ReadTable(ctx, h.store, meta.Path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "k1", string(entries[0].UserKey))
	assert.Equal(t, "v1", string(entries[0].Value))
}

func TestWorkerBackgroundTrigger(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.worker.Start(context.Background())
	defer h.worker.Close()

	h.addTable(t, map[string]string{"k": "v"})
	h.worker.Trigger()

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}

	h.mu.Lock()
	assert.Equal(t, 0, h.list.NumNotFlushed())
	h.mu.Unlock()
	assert.Len(t, h.journal.Edits(), 1)
}

func TestWorkerMergesMinimumBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, nil)

	h.addTable(t, map[string]string{"a": "1"})
	worked, err := h.worker.FlushOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "one table below the merge minimum must not flush")

	h.addTable(t, map[string]string{"b": "2"})
	worked, err = h.worker.FlushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	// Both tables merged into a single file.
	edits := h.journal.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, uint64(2), edits[0].AddedFiles[0].Entries)
}

type failingWriter struct{}

func (failingWriter) BuildTable(context.Context, model.FileNumber, []*memtable.MemTable) (manifest.FileMetadata, error) {
	return manifest.FileMetadata{}, errBoom
}

func TestWorkerBuildFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1, func(cfg *Config) {
		cfg.Writer = failingWriter{}
	})

	h.addTable(t, map[string]string{"k": "v"})
	worked, err := h.worker.FlushOnce(ctx)
	assert.True(t, worked)
	require.ErrorIs(t, err, errBoom)

	// The table is pending again; a healthy worker on the same list
	// flushes it.
	h.mu.Lock()
	assert.Equal(t, 1, h.list.NumNotFlushed())
	assert.True(t, h.list.IsFlushPending())
	h.mu.Unlock()
	assert.Empty(t, h.journal.Edits())

	retry := NewWorker(Config{
		ColumnFamily: &manifest.ColumnFamily{ID: 0, Name: "default"},
		List:         h.list,
		Writer:       NewBlobTableWriter(h.store, nil),
		Sink:         h.journal,
		Mu:           &h.mu,
		NextFileNumber: func() model.FileNumber {
			h.nextFile++
			return model.FileNumber(h.nextFile)
		},
	})
	worked, err = retry.FlushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Len(t, h.journal.Edits(), 1)
}

type countingFailWriter struct {
	attempts atomic.Int64
}

func (w *countingFailWriter) BuildTable(context.Context, model.FileNumber, []*memtable.MemTable) (manifest.FileMetadata, error) {
	w.attempts.Add(1)
	return manifest.FileMetadata{}, errBoom
}

func TestWorkerPersistentFailureDoesNotSpin(t *testing.T) {
	writer := &countingFailWriter{}
	h := newHarness(t, 1, func(cfg *Config) {
		cfg.Writer = writer
	})
	h.worker.Start(context.Background())
	defer h.worker.Close()

	h.addTable(t, map[string]string{"k": "v"})
	h.worker.Trigger()

	select {
	case err := <-h.done:
		require.ErrorIs(t, err, errBoom)
	case <-time.After(5 * time.Second):
		t.Fatal("flush attempt did not complete")
	}

	// The rollback leaves the table pending, but the loop must wait for
	// the next trigger instead of re-picking it immediately.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), writer.attempts.Load())

	h.mu.Lock()
	assert.Equal(t, 1, h.list.NumNotFlushed())
	assert.True(t, h.list.IsFlushPending())
	h.mu.Unlock()

	// A fresh trigger makes exactly one more attempt.
	h.worker.Trigger()
	select {
	case err := <-h.done:
		require.ErrorIs(t, err, errBoom)
	case <-time.After(5 * time.Second):
		t.Fatal("retry attempt did not complete")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(2), writer.attempts.Load())
}

func TestWorkerStartTwice(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.worker.Start(context.Background())
	h.worker.Start(context.Background())

	h.addTable(t, map[string]string{"k": "v"})
	h.worker.Trigger()

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}
	assert.Len(t, h.journal.Edits(), 1)

	require.NoError(t, h.worker.Close())
	// Start after Close must not revive the loop.
	h.worker.Start(context.Background())
	require.NoError(t, h.worker.Close())
}

type flakySink struct {
	inner    manifest.Sink
	failures int
}

func (s *flakySink) LogAndApply(cf *manifest.ColumnFamily, opts manifest.MutableOptions, edit *manifest.Edit, mu *sync.Mutex, lb *logbuf.Buffer) error {
	if s.failures > 0 {
		s.failures--
		return errBoom
	}
	return s.inner.LogAndApply(cf, opts, edit, mu, lb)
}

func TestWorkerInstallFailureRetries(t *testing.T) {
	ctx := context.Background()
	var sink *flakySink
	h := newHarness(t, 1, func(cfg *Config) {
		sink = &flakySink{inner: cfg.Sink, failures: 1}
		cfg.Sink = sink
	})

	h.addTable(t, map[string]string{"k": "v"})
	worked, err := h.worker.FlushOnce(ctx)
	assert.True(t, worked)
	require.ErrorIs(t, err, errBoom)

	h.mu.Lock()
	assert.Equal(t, 1, h.list.NumNotFlushed())
	assert.True(t, h.list.IsFlushPending())
	h.mu.Unlock()

	// The retry builds a fresh file and commits it.
	worked, err = h.worker.FlushOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	edits := h.journal.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, model.FileNumber(2), edits[0].AddedFiles[0].FileNumber)
	h.mu.Lock()
	assert.Equal(t, 0, h.list.NumNotFlushed())
	h.mu.Unlock()
}
