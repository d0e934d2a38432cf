package birch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birchdb/birch/blobstore"
	"github.com/birchdb/birch/flush"
	"github.com/birchdb/birch/manifest"
	"github.com/birchdb/birch/memtable"
	"github.com/birchdb/birch/model"
	"github.com/birchdb/birch/resource"
)

// Buffer is the write buffer for one column family. Writes go into a
// mutable active memtable; when it fills it is frozen and queued for a
// background flush into an immutable table file, committed through the
// manifest. Reads see the active memtable, the frozen queue, and the
// retained history of recently flushed tables.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	opts     options
	cf       *manifest.ColumnFamily
	mutable  manifest.MutableOptions
	res      *resource.Controller
	store    blobstore.BlobStore
	manifest *manifest.Store
	worker   *flush.Worker

	mu       sync.Mutex
	cond     *sync.Cond
	active   *memtable.MemTable
	list     *memtable.List
	flushErr error
	closed   bool

	seq         atomic.Uint64
	nextTableID atomic.Uint64
	nextFileNum atomic.Uint64
}

// New creates a Buffer and starts its background flush worker. ctx bounds
// the worker's lifetime alongside Close.
func New(ctx context.Context, optFns ...Option) (*Buffer, error) {
	opts := applyOptions(optFns)
	if opts.store == nil {
		opts.store = blobstore.NewMemoryStore()
	}

	b := &Buffer{
		opts:  opts,
		cf:    &manifest.ColumnFamily{ID: 0, Name: opts.columnFamilyName},
		res:   resource.NewController(opts.resources),
		store: opts.store,
		list:  memtable.NewList(opts.minMergeNumber, opts.maxMaintainTotal),
	}
	b.cond = sync.NewCond(&b.mu)
	b.mutable = manifest.MutableOptions{
		WriteBufferSize:                opts.writeBufferSize,
		MinWriteBufferNumberToMerge:    opts.minMergeNumber,
		MaxWriteBufferNumberToMaintain: opts.maxMaintainTotal,
	}
	b.manifest = manifest.NewStore(opts.store, opts.storeOptions...)

	b.active = b.newMemTable()
	b.active.Ref()

	writer := flush.NewBlobTableWriter(opts.store, opts.comparator, func(o *flush.BlobTableWriterOptions) {
		o.Resources = b.res
	})
	b.worker = flush.NewWorker(flush.Config{
		ColumnFamily:   b.cf,
		MutableOptions: b.mutable,
		List:           b.list,
		Writer:         writer,
		Sink:           b.manifest,
		Mu:             &b.mu,
		NextFileNumber: func() model.FileNumber {
			return model.FileNumber(b.nextFileNum.Add(1))
		},
		Resources: b.res,
		OnComplete: func(err error) {
			b.mu.Lock()
			b.flushErr = err
			b.cond.Broadcast()
			b.mu.Unlock()
		},
		Logger:  opts.logger.Logger,
		Metrics: opts.metricsCollector,
	})
	b.worker.Start(ctx)

	return b, nil
}

func (b *Buffer) newMemTable() *memtable.MemTable {
	id := model.TableID(b.nextTableID.Add(1))
	return memtable.New(id, b.opts.comparator, func(o *memtable.Options) {
		o.Acquirer = b.res
	})
}

// Put writes a value for key. The write is assigned the next sequence
// number and becomes visible to reads immediately.
func (b *Buffer) Put(ctx context.Context, key, value []byte) error {
	return b.write(ctx, model.KindValue, key, value)
}

// Delete writes a deletion tombstone for key. The tombstone shadows any
// older value until compaction and is reported as ErrKeyNotFound by Get.
func (b *Buffer) Delete(ctx context.Context, key []byte) error {
	return b.write(ctx, model.KindDeletion, key, nil)
}

func (b *Buffer) write(ctx context.Context, kind model.ValueKind, key, value []byte) error {
	start := time.Now()
	err := b.doWrite(ctx, kind, key, value)
	b.opts.metricsCollector.RecordPut(time.Since(start), err)
	return translateError(err)
}

func (b *Buffer) doWrite(ctx context.Context, kind model.ValueKind, key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.active.ApproximateMemoryUsage() >= b.opts.writeBufferSize && !b.active.Empty() {
		b.rotateLocked(ctx)
	}

	seq := model.SequenceNumber(b.seq.Add(1))
	if err := b.active.Add(seq, kind, key, value); err != nil {
		return err
	}
	if b.list.FlushNeeded() {
		b.worker.Trigger()
	}
	return nil
}

// rotateLocked freezes the active memtable into the flush queue and starts
// a fresh one. Callers hold b.mu.
func (b *Buffer) rotateLocked(ctx context.Context) {
	if b.active.Empty() {
		return
	}
	frozen := b.active
	bytes := frozen.ApproximateMemoryUsage()

	var toDelete []*memtable.MemTable
	b.list.Add(frozen, &toDelete)
	b.active = b.newMemTable()
	b.active.Ref()
	for _, m := range toDelete {
		_ = m.Close()
	}

	b.opts.metricsCollector.RecordRotate(bytes)
	b.opts.logger.LogRotate(ctx, uint64(frozen.ID()), bytes, b.list.NumNotFlushed())
	if b.list.FlushNeeded() {
		b.worker.Trigger()
	}
}

// Get returns the newest committed value for key. Keys that were never
// written and keys shadowed by a deletion both return ErrKeyNotFound;
// errors.Is(err, memtable.ErrKeyDeleted) distinguishes the latter.
func (b *Buffer) Get(ctx context.Context, key []byte) ([]byte, error) {
	return b.GetAt(ctx, key, model.SequenceNumber(b.seq.Load()))
}

// GetAt returns the value for key as of sequence number seq, reading a
// consistent snapshot across the active memtable, the frozen queue and the
// retained history.
func (b *Buffer) GetAt(ctx context.Context, key []byte, seq model.SequenceNumber) ([]byte, error) {
	start := time.Now()
	value, found, err := b.get(key, seq)
	b.opts.metricsCollector.RecordGet(time.Since(start), found && err == nil, err)
	if err != nil {
		return nil, translateError(err)
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

func (b *Buffer) get(key []byte, seq model.SequenceNumber) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, false, ErrClosed
	}
	active := b.active
	active.Ref()
	b.mu.Unlock()

	defer func() {
		var toDelete []*memtable.MemTable
		active.Unref(&toDelete)
		for _, m := range toDelete {
			_ = m.Close()
		}
	}()

	v := b.list.Pin()
	defer b.list.Unpin(v)

	var ro memtable.ReadOptions
	lk := memtable.LookupKey{UserKey: key, Sequence: seq}

	if value, found, err := active.Get(ro, lk); found || err != nil {
		return value, found, err
	}
	if value, found, err := v.Get(ro, lk); found || err != nil {
		return value, found, err
	}
	return v.GetFromHistory(ro, lk)
}

// Flush freezes the active memtable and blocks until every frozen table
// has been flushed and committed, or ctx is done.
func (b *Buffer) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	b.rotateLocked(ctx)
	b.list.FlushRequested()
	b.flushErr = nil
	if b.list.IsFlushPending() {
		b.worker.Trigger()
	}

	for b.list.NumNotFlushed() > 0 {
		if err := b.flushErr; err != nil {
			b.opts.logger.LogFlush(ctx, b.list.NumNotFlushed(), err)
			return translateError(err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		b.cond.Wait()
		if b.closed {
			return ErrClosed
		}
	}
	b.opts.logger.LogFlush(ctx, 0, nil)
	return nil
}

// Sequence returns the newest assigned sequence number.
func (b *Buffer) Sequence() model.SequenceNumber {
	return model.SequenceNumber(b.seq.Load())
}

// Stats is a point-in-time view of the buffer's shape.
type Stats struct {
	ActiveBytes     int64
	UnflushedTables int
	RetainedTables  int
	MemoryUsage     int64
	Sequence        model.SequenceNumber
}

// Stats returns a snapshot of buffer state.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ActiveBytes:     b.active.ApproximateMemoryUsage(),
		UnflushedTables: b.list.NumNotFlushed(),
		RetainedTables:  b.list.NumFlushed(),
		MemoryUsage:     b.res.MemoryUsage(),
		Sequence:        model.SequenceNumber(b.seq.Load()),
	}
}

// Close flushes outstanding writes, stops the background worker and
// releases all memtable memory. The buffer is unusable afterwards.
func (b *Buffer) Close(ctx context.Context) error {
	flushErr := b.Flush(ctx)
	if errors.Is(flushErr, ErrClosed) {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return flushErr
	}
	b.closed = true
	b.cond.Broadcast()
	active := b.active
	b.mu.Unlock()

	workerErr := b.worker.Close()

	var toDelete []*memtable.MemTable
	active.Unref(&toDelete)
	b.list.Close(&toDelete)
	for _, m := range toDelete {
		_ = m.Close()
	}

	manifestErr := b.manifest.Close()

	err := errors.Join(flushErr, workerErr, manifestErr)
	b.opts.logger.LogClose(ctx, err)
	return err
}
