package birch

import (
	"log/slog"

	"github.com/birchdb/birch/blobstore"
	"github.com/birchdb/birch/comparator"
	"github.com/birchdb/birch/manifest"
	"github.com/birchdb/birch/resource"
)

// DefaultWriteBufferSize is the rotation threshold for the active memtable.
const DefaultWriteBufferSize int64 = 4 << 20

type options struct {
	columnFamilyName string
	comparator       comparator.Comparator
	store            blobstore.BlobStore
	storeOptions     []func(*manifest.StoreOptions)

	writeBufferSize  int64
	minMergeNumber   int
	maxMaintainTotal int

	resources        resource.Config
	metricsCollector MetricsCollector
	logger           *Logger
}

// Option configures Buffer construction.
type Option func(*options)

// WithColumnFamilyName names the buffer's column family. The name appears
// in manifest edits and log lines.
func WithColumnFamilyName(name string) Option {
	return func(o *options) {
		o.columnFamilyName = name
	}
}

// WithComparator configures the user key ordering. If nil is passed, the
// bytewise comparator is used.
func WithComparator(cmp comparator.Comparator) Option {
	return func(o *options) {
		if cmp == nil {
			cmp = comparator.Bytewise()
		}
		o.comparator = cmp
	}
}

// WithBlobStore configures where table files and the manifest journal are
// persisted. The default is an in-process memory store, which makes the
// buffer volatile; pass a LocalStore or an object store binding for
// durability.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithManifestOptions forwards options to the manifest store, for example
// to enable journal compression:
//
//	birch.WithManifestOptions(func(o *manifest.StoreOptions) {
//	    o.Compression = true
//	})
func WithManifestOptions(optFns ...func(*manifest.StoreOptions)) Option {
	return func(o *options) {
		o.storeOptions = append(o.storeOptions, optFns...)
	}
}

// WithWriteBufferSize sets the size in bytes at which the active memtable
// is frozen and a new one started.
func WithWriteBufferSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.writeBufferSize = size
		}
	}
}

// WithMinWriteBufferNumberToMerge sets how many frozen memtables must
// accumulate before a flush is scheduled on its own. Larger values merge
// more tables into each file at the cost of more unflushed data.
func WithMinWriteBufferNumberToMerge(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.minMergeNumber = n
		}
	}
}

// WithMaxWriteBufferNumberToMaintain bounds the combined number of
// unflushed and flushed-but-retained memtables. Retained tables keep
// serving reads after their flush commits; 0 disables retention.
func WithMaxWriteBufferNumberToMaintain(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxMaintainTotal = n
		}
	}
}

// WithResourceConfig bounds the buffer's memory, flush concurrency and IO
// throughput. The zero value leaves everything unbounded.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations. Pass nil to
// disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		columnFamilyName: "default",
		comparator:       comparator.Bytewise(),
		writeBufferSize:  DefaultWriteBufferSize,
		minMergeNumber:   1,
		maxMaintainTotal: 0,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
