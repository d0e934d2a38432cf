package flush

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/birchdb/birch/internal/logbuf"
	"github.com/birchdb/birch/manifest"
	"github.com/birchdb/birch/memtable"
	"github.com/birchdb/birch/model"
	"github.com/birchdb/birch/resource"
)

// Metrics receives flush outcomes. The root package's collectors satisfy
// this interface.
type Metrics interface {
	RecordFlush(duration time.Duration, bytes int64, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordFlush(time.Duration, int64, error) {}

// Config wires a Worker to the buffer it flushes for. Mu is the buffer's
// structural mutex; the worker takes it around list state changes and
// releases it during table file IO.
type Config struct {
	ColumnFamily   *manifest.ColumnFamily
	MutableOptions manifest.MutableOptions
	List           *memtable.List
	Writer         TableWriter
	Sink           manifest.Sink
	Mu             *sync.Mutex

	// NextFileNumber allocates the file number for each built table.
	NextFileNumber func() model.FileNumber

	// Resources bounds concurrent flushes. Nil disables the bound.
	Resources *resource.Controller

	// OnComplete is called after every attempt, successful or not, with the
	// structural mutex released. Nil is allowed.
	OnComplete func(err error)

	Logger  *slog.Logger
	Metrics Metrics
}

// Worker owns the background flush loop for one buffer. Trigger is cheap
// and collapses bursts: a trigger while a flush is queued is a no-op, and
// the loop re-checks IsFlushPending after every pass.
type Worker struct {
	cfg    Config
	notify chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewWorker creates a worker. Start must be called before Trigger has any
// effect.
func NewWorker(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Worker{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// Start launches the background loop. ctx bounds the worker's lifetime
// alongside Close. Calling Start again, or after Close, is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.group, ctx = errgroup.WithContext(ctx)
	w.group.Go(func() error {
		w.run(ctx)
		return nil
	})
}

// Trigger asks the loop to evaluate the flush state. It never blocks.
func (w *Worker) Trigger() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Close stops the loop and waits for an in-flight flush to finish.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel, group := w.cancel, w.group
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		return group.Wait()
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
		}
		// Drain every pending pick before sleeping again; a trigger that
		// arrived mid-flush would otherwise be lost. A failed attempt ends
		// the drain: the rolled-back tables stay pending and the next
		// trigger retries them, so a persistent failure cannot spin.
		for {
			worked, err := w.FlushOnce(ctx)
			if err != nil && ctx.Err() == nil {
				w.cfg.Logger.ErrorContext(ctx, "background flush failed", "error", err)
			}
			if !worked || err != nil || ctx.Err() != nil {
				break
			}
		}
	}
}

// FlushOnce performs a single pick-build-install pass. It reports whether
// any memtables were picked. Exported so tests and the manual flush path
// can drive the pipeline synchronously.
func (w *Worker) FlushOnce(ctx context.Context) (bool, error) {
	cfg := &w.cfg

	cfg.Mu.Lock()
	if !cfg.List.IsFlushPending() {
		cfg.Mu.Unlock()
		return false, nil
	}
	var picked []*memtable.MemTable
	cfg.List.PickMemtablesToFlush(&picked)
	cfg.Mu.Unlock()
	if len(picked) == 0 {
		return false, nil
	}

	start := time.Now()
	err := w.flushPicked(ctx, picked)
	if cfg.OnComplete != nil {
		cfg.OnComplete(err)
	}
	if err != nil {
		cfg.Metrics.RecordFlush(time.Since(start), 0, err)
		return true, err
	}
	return true, nil
}

// rollback returns picked tables to the pending state after a failure
// before the install phase. Install failures are handled inside the list.
func (w *Worker) rollback(picked []*memtable.MemTable) {
	w.cfg.Mu.Lock()
	w.cfg.List.RollbackMemtableFlush(picked)
	w.cfg.Mu.Unlock()
}

func (w *Worker) flushPicked(ctx context.Context, picked []*memtable.MemTable) error {
	cfg := &w.cfg
	start := time.Now()

	if cfg.Resources != nil {
		if err := cfg.Resources.AcquireFlushSlot(ctx); err != nil {
			w.rollback(picked)
			return fmt.Errorf("flush: acquire slot: %w", err)
		}
		defer cfg.Resources.ReleaseFlushSlot()
	}

	fileNum := cfg.NextFileNumber()
	meta, err := cfg.Writer.BuildTable(ctx, fileNum, picked)
	if err != nil {
		w.rollback(picked)
		return fmt.Errorf("flush: build table %s: %w", TableFileName(fileNum), err)
	}

	lb := logbuf.New()
	var toDelete []*memtable.MemTable

	cfg.Mu.Lock()
	err = cfg.List.InstallMemtableFlushResults(
		cfg.ColumnFamily, cfg.MutableOptions, picked, meta, cfg.Sink, cfg.Mu, &toDelete, lb)
	cfg.Mu.Unlock()

	lb.FlushTo(cfg.Logger)
	for _, m := range toDelete {
		_ = m.Close()
	}
	if err != nil {
		return err
	}

	cfg.Metrics.RecordFlush(time.Since(start), meta.Size, nil)
	cfg.Logger.InfoContext(ctx, "flush completed",
		"column_family", cfg.ColumnFamily.Name,
		"file", meta.Path,
		"tables", len(picked),
		"entries", meta.Entries,
		"bytes", meta.Size,
		"duration", time.Since(start))
	return nil
}
