package birch

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with buffer-specific helpers so call sites log
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. If handler is nil, a
// text handler to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))}
}

// LogRotate logs a memtable rotation.
func (l *Logger) LogRotate(ctx context.Context, tableID uint64, bytes int64, unflushed int) {
	l.InfoContext(ctx, "memtable rotated",
		"table", tableID,
		"bytes", bytes,
		"unflushed", unflushed,
	)
}

// LogFlush logs a manual flush request.
func (l *Logger) LogFlush(ctx context.Context, unflushed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"unflushed", unflushed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "flush completed",
			"unflushed", unflushed,
		)
	}
}

// LogClose logs buffer shutdown.
func (l *Logger) LogClose(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "close failed", "error", err)
	} else {
		l.InfoContext(ctx, "buffer closed")
	}
}
