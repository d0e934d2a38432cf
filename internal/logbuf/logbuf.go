// Package logbuf buffers structured log records produced while a mutex is
// held, so they can be emitted after the lock is released.
//
// Flush installation runs under the per-partition structural mutex; pushing
// slog output from inside that section would serialize unrelated work on
// the logging backend. Callers collect records into a Buffer and drain it
// with FlushTo once the mutex is dropped.
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type record struct {
	t     time.Time
	level slog.Level
	msg   string
	args  []any
}

// Buffer accumulates log records. A nil *Buffer discards everything.
type Buffer struct {
	mu      sync.Mutex
	records []record
}

// New creates an empty Buffer.
func New() *Buffer { return &Buffer{} }

func (b *Buffer) append(level slog.Level, msg string, args []any) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.records = append(b.records, record{t: time.Now(), level: level, msg: msg, args: args})
	b.mu.Unlock()
}

// Info buffers an info-level record.
func (b *Buffer) Info(msg string, args ...any) { b.append(slog.LevelInfo, msg, args) }

// Warn buffers a warn-level record.
func (b *Buffer) Warn(msg string, args ...any) { b.append(slog.LevelWarn, msg, args) }

// Error buffers an error-level record.
func (b *Buffer) Error(msg string, args ...any) { b.append(slog.LevelError, msg, args) }

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// FlushTo emits all buffered records to logger, preserving their original
// timestamps, and empties the buffer. A nil logger drops the records.
func (b *Buffer) FlushTo(logger *slog.Logger) {
	if b == nil {
		return
	}
	b.mu.Lock()
	records := b.records
	b.records = nil
	b.mu.Unlock()

	if logger == nil {
		return
	}
	for _, r := range records {
		rec := slog.NewRecord(r.t, r.level, r.msg, 0)
		rec.Add(r.args...)
		_ = logger.Handler().Handle(context.Background(), rec)
	}
}
