package birch

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// RecordPut is called after each write, tombstones included.
	RecordPut(duration time.Duration, err error)

	// RecordGet is called after each read. found reports whether a live
	// value was returned.
	RecordGet(duration time.Duration, found bool, err error)

	// RecordRotate is called when the active memtable is frozen.
	// bytes is the frozen table's memory footprint.
	RecordRotate(bytes int64)

	// RecordFlush is called after each background flush attempt. bytes is
	// the size of the written table file, 0 on failure.
	RecordFlush(duration time.Duration, bytes int64, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, error)          {}
func (NoopMetricsCollector) RecordGet(time.Duration, bool, error)    {}
func (NoopMetricsCollector) RecordRotate(int64)                      {}
func (NoopMetricsCollector) RecordFlush(time.Duration, int64, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount       atomic.Int64
	PutErrors      atomic.Int64
	PutTotalNanos  atomic.Int64
	GetCount       atomic.Int64
	GetMisses      atomic.Int64
	GetErrors      atomic.Int64
	GetTotalNanos  atomic.Int64
	RotateCount    atomic.Int64
	RotateBytes    atomic.Int64
	FlushCount     atomic.Int64
	FlushErrors    atomic.Int64
	FlushBytes     atomic.Int64
	FlushTotalNano atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, found bool, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if !found {
		b.GetMisses.Add(1)
	}
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordRotate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRotate(bytes int64) {
	b.RotateCount.Add(1)
	b.RotateBytes.Add(bytes)
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(duration time.Duration, bytes int64, err error) {
	b.FlushCount.Add(1)
	b.FlushBytes.Add(bytes)
	b.FlushTotalNano.Add(duration.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:    b.PutCount.Load(),
		PutErrors:   b.PutErrors.Load(),
		PutAvgNanos: avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		GetCount:    b.GetCount.Load(),
		GetMisses:   b.GetMisses.Load(),
		GetErrors:   b.GetErrors.Load(),
		GetAvgNanos: avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		RotateCount: b.RotateCount.Load(),
		RotateBytes: b.RotateBytes.Load(),
		FlushCount:  b.FlushCount.Load(),
		FlushErrors: b.FlushErrors.Load(),
		FlushBytes:  b.FlushBytes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount    int64
	PutErrors   int64
	PutAvgNanos int64
	GetCount    int64
	GetMisses   int64
	GetErrors   int64
	GetAvgNanos int64
	RotateCount int64
	RotateBytes int64
	FlushCount  int64
	FlushErrors int64
	FlushBytes  int64
}
