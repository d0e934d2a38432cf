// Package resource enforces the global write-buffer memory budget and
// paces background flush IO.
package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would exceed the
// configured write-buffer memory limit. Memtable writes treat this as
// fatal resource exhaustion.
var ErrMemoryLimitExceeded = errors.New("write buffer memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for memory reserved by all
	// memtables of this keyspace partition. If 0, no hard limit is
	// enforced (only tracking).
	MemoryLimitBytes int64

	// MaxBackgroundFlushes is the maximum number of concurrent flush jobs.
	// If 0, defaults to 1.
	MaxBackgroundFlushes int64

	// IOLimitBytesPerSec is the maximum IO throughput for background
	// flushes. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages the shared write-buffer resources. A nil Controller
// is valid and enforces nothing.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	flushSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundFlushes <= 0 {
		cfg.MaxBackgroundFlushes = 1
	}

	c := &Controller{
		cfg:      cfg,
		flushSem: semaphore.NewWeighted(cfg.MaxBackgroundFlushes),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve memory for a memtable.
// Returns ErrMemoryLimitExceeded if the limit would be exceeded.
// Non-blocking - callers decide whether to stall or fail the write.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current reserved memory in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AcquireFlushSlot reserves a background flush slot, blocking while all
// slots are busy.
func (c *Controller) AcquireFlushSlot(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.flushSem.Acquire(ctx, 1)
}

// TryAcquireFlushSlot reserves a flush slot without blocking.
func (c *Controller) TryAcquireFlushSlot() bool {
	if c == nil {
		return true
	}
	return c.flushSem.TryAcquire(1)
}

// ReleaseFlushSlot releases a background flush slot.
func (c *Controller) ReleaseFlushSlot() {
	if c == nil {
		return
	}
	c.flushSem.Release(1)
}

// IOBurst returns the maximum bytes a single WaitIO call may request, or 0
// when IO is unlimited.
func (c *Controller) IOBurst() int {
	if c == nil || c.ioLimiter == nil {
		return 0
	}
	return c.ioLimiter.Burst()
}

// WaitIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) WaitIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
