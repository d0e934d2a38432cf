package memtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/birchdb/birch/internal/logbuf"
	"github.com/birchdb/birch/manifest"
)

// List tracks the frozen generations of a single column family: the tables
// awaiting flush, the flushed tables retained for reads, and the flush
// scheduling state. All methods except Pin, FlushNeeded and Unpin must be
// called with the owning buffer's structural mutex held; the current
// Version is swapped atomically so readers can pin snapshots without it.
type List struct {
	minToMerge int
	maxHistory int

	current atomic.Pointer[Version]

	// Guarded by the structural mutex.
	numFlushNotStarted int
	flushRequested     bool
	commitInProgress   bool

	flushNeeded atomic.Bool
}

// NewList creates an empty list. minToMerge is the number of frozen tables
// that makes a flush pending on its own; maxHistory bounds the combined
// number of unflushed and retained tables, with 0 disabling history.
func NewList(minToMerge, maxHistory int) *List {
	if minToMerge < 1 {
		minToMerge = 1
	}
	l := &List{
		minToMerge: minToMerge,
		maxHistory: maxHistory,
	}
	l.current.Store(newVersion(maxHistory))
	return l
}

// Current returns the current version without taking a reference. The
// caller must hold the structural mutex for the pointer to stay meaningful.
func (l *List) Current() *Version { return l.current.Load() }

// Pin returns the current version with a reference taken, without any lock.
// Release it with Unpin.
func (l *List) Pin() *Version {
	for {
		v := l.current.Load()
		if v.TryRef() {
			return v
		}
	}
}

// Unpin releases a pinned version and destroys any memtables whose last
// reference it held.
func (l *List) Unpin(v *Version) {
	var toDelete []*MemTable
	v.Unref(&toDelete)
	for _, m := range toDelete {
		_ = m.Close()
	}
}

// NumNotFlushed returns the number of frozen tables awaiting flush.
func (l *List) NumNotFlushed() int { return l.current.Load().NumNotFlushed() }

// NumFlushed returns the number of flushed tables retained in history.
func (l *List) NumFlushed() int { return l.current.Load().NumFlushed() }

// IsFlushPending reports whether a flush should be scheduled: enough tables
// accumulated to reach minToMerge, or a flush was explicitly requested and
// at least one table has not been picked yet.
func (l *List) IsFlushPending() bool {
	return l.numFlushNotStarted >= l.minToMerge ||
		(l.flushRequested && l.numFlushNotStarted > 0)
}

// FlushNeeded is the lock-free hint mirroring IsFlushPending, cheap enough
// for write paths to poll before taking the mutex.
func (l *List) FlushNeeded() bool { return l.flushNeeded.Load() }

// FlushRequested asks for a flush regardless of minToMerge. It is a no-op
// when every frozen table is already being flushed, so a request can never
// go stale and trigger a spurious flush later.
func (l *List) FlushRequested() {
	if l.numFlushNotStarted == 0 {
		return
	}
	l.flushRequested = true
	l.flushNeeded.Store(true)
}

// Add hands a frozen memtable over to the list, taking over the caller's
// reference. The table is marked immutable and becomes visible to pinned
// readers through a new version; tables evicted from history to make room
// are appended to toDelete.
func (l *List) Add(m *MemTable, toDelete *[]*MemTable) {
	old := l.current.Load()
	nv := old.copy()
	nv.add(m)
	nv.trimHistory(toDelete)
	l.current.Store(nv)
	old.Unref(toDelete)

	m.MarkImmutable()
	l.numFlushNotStarted++
	if l.numFlushNotStarted >= l.minToMerge {
		l.flushNeeded.Store(true)
	}
}

// PickMemtablesToFlush appends to out every frozen table not already being
// flushed, oldest first, and marks them in progress. An in-flight table is
// skipped; newer tables around it are still picked. The explicit flush
// request, if any, is consumed.
func (l *List) PickMemtablesToFlush(out *[]*MemTable) {
	v := l.current.Load()
	picked := false
	for i := len(v.memlist) - 1; i >= 0; i-- {
		m := v.memlist[i]
		if m.flushInProgress {
			continue
		}
		m.flushInProgress = true
		l.numFlushNotStarted--
		*out = append(*out, m)
		picked = true
	}
	if picked {
		l.installNewVersion()
	}
	l.flushRequested = false
	l.flushNeeded.Store(l.numFlushNotStarted >= l.minToMerge)
}

// RollbackMemtableFlush returns picked tables to the pending state after a
// failed flush so a later pick can retry them.
func (l *List) RollbackMemtableFlush(mems []*MemTable) {
	for _, m := range mems {
		if !m.flushInProgress {
			panic("memtable: rollback of table not being flushed")
		}
		m.flushInProgress = false
		m.flushCompleted = false
		m.file = manifest.FileMetadata{}
		l.numFlushNotStarted++
	}
	if len(mems) > 0 {
		l.installNewVersion()
		l.flushNeeded.Store(true)
	}
}

// InstallMemtableFlushResults records that mems were written out as the
// table file described by meta, then commits completed tables to the
// manifest in order of age. Only the oldest run of completed tables is
// committed; a completed table behind a still-flushing older one waits, so
// commit order always matches freeze order.
//
// The sink may release mu during IO; the list stays consistent because only
// one commit loop runs at a time and every published version is immutable.
// On a sink failure the failed batch returns to the pending state for a
// retry while batches committed earlier in the call stand.
func (l *List) InstallMemtableFlushResults(
	cf *manifest.ColumnFamily,
	opts manifest.MutableOptions,
	mems []*MemTable,
	meta manifest.FileMetadata,
	sink manifest.Sink,
	mu *sync.Mutex,
	toDelete *[]*MemTable,
	lb *logbuf.Buffer,
) error {
	for _, m := range mems {
		if !m.flushInProgress {
			panic("memtable: install of table not being flushed")
		}
		m.flushCompleted = true
		m.file = meta
	}

	// Another call is already draining completed tables; it will pick up
	// the ones marked above.
	if l.commitInProgress {
		return nil
	}
	l.commitInProgress = true
	defer func() { l.commitInProgress = false }()

	var err error
	for err == nil {
		v := l.current.Load()
		n := len(v.memlist)
		if n == 0 || !v.memlist[n-1].flushCompleted {
			break
		}

		// The batch is the oldest contiguous run that went into one file.
		fileNum := v.memlist[n-1].file.FileNumber
		var batch []*MemTable
		for i := n - 1; i >= 0; i-- {
			m := v.memlist[i]
			if !m.flushCompleted || m.file.FileNumber != fileNum {
				break
			}
			batch = append(batch, m)
		}

		lb.Info("committing flushed memtables",
			"column_family", cf.Name,
			"file_number", uint64(fileNum),
			"tables", len(batch))

		edit := &manifest.Edit{ColumnFamilyID: cf.ID}
		edit.AddFile(batch[0].file)

		err = sink.LogAndApply(cf, opts, edit, mu, lb)
		if err != nil {
			for _, m := range batch {
				m.flushCompleted = false
				m.flushInProgress = false
				m.file = manifest.FileMetadata{}
				l.numFlushNotStarted++
			}
			l.flushNeeded.Store(true)
			lb.Error("memtable flush commit failed",
				"column_family", cf.Name,
				"file_number", uint64(fileNum),
				"error", err)
			return fmt.Errorf("memtable: install flush results: %w", err)
		}

		// The sink may have dropped mu; reload before swapping.
		old := l.current.Load()
		nv := old.copy()
		for _, m := range batch {
			nv.remove(m, toDelete)
			lb.Info("memtable flushed",
				"column_family", cf.Name,
				"table", uint64(m.ID()),
				"file_number", uint64(fileNum))
		}
		l.current.Store(nv)
		old.Unref(toDelete)
	}
	return err
}

// Close releases the list's own reference on the current version. Tables
// whose last reference it held are appended to toDelete.
func (l *List) Close(toDelete *[]*MemTable) {
	l.current.Load().Unref(toDelete)
}

// installNewVersion publishes a fresh copy of the current version. The copy
// holds the same tables, so no memtable can reach zero references here.
func (l *List) installNewVersion() {
	old := l.current.Load()
	nv := old.copy()
	l.current.Store(nv)
	old.Unref(nil)
}
