package memtable

import "sync/atomic"

// Version is an immutable, refcounted snapshot of the write buffer's frozen
// generations. memlist holds the not-yet-flushed tables and history the
// flushed-but-retained ones, both newest first. Once published a Version is
// never mutated; the List replaces it wholesale on every structural change.
type Version struct {
	refs atomic.Int64

	memlist    []*MemTable
	history    []*MemTable
	maxHistory int
}

func newVersion(maxHistory int) *Version {
	v := &Version{maxHistory: maxHistory}
	v.refs.Store(1)
	return v
}

// copy returns a mutable successor holding its own reference on every
// memtable of the source. The successor starts with one reference and must
// not be published until fully built.
func (v *Version) copy() *Version {
	nv := &Version{
		memlist:    append([]*MemTable(nil), v.memlist...),
		history:    append([]*MemTable(nil), v.history...),
		maxHistory: v.maxHistory,
	}
	nv.refs.Store(1)
	for _, m := range nv.memlist {
		m.Ref()
	}
	for _, m := range nv.history {
		m.Ref()
	}
	return nv
}

// Ref takes a reference on the version.
func (v *Version) Ref() { v.refs.Add(1) }

// TryRef takes a reference unless the count already reached zero. It is the
// lock-free pin used by readers racing a version swap.
func (v *Version) TryRef() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Unref drops a reference. At zero the version releases its reference on
// every owned memtable; tables that reach zero themselves are appended to
// toDelete for the caller to Close outside any lock.
func (v *Version) Unref(toDelete *[]*MemTable) {
	n := v.refs.Add(-1)
	if n < 0 {
		panic("memtable: version refcount underflow")
	}
	if n > 0 {
		return
	}
	for _, m := range v.memlist {
		m.Unref(toDelete)
	}
	for _, m := range v.history {
		m.Unref(toDelete)
	}
}

// NumNotFlushed returns the number of frozen tables awaiting flush.
func (v *Version) NumNotFlushed() int { return len(v.memlist) }

// NumFlushed returns the number of flushed tables retained in history.
func (v *Version) NumFlushed() int { return len(v.history) }

// Get searches the not-yet-flushed tables newest first and returns the
// first decisive answer: a live value, or found=true with ErrKeyDeleted for
// a tombstone. found=false means no table holds a visible record.
func (v *Version) Get(ro ReadOptions, lk LookupKey) ([]byte, bool, error) {
	return getFrom(v.memlist, ro, lk)
}

// GetFromHistory searches the flushed-but-retained tables newest first. It
// serves reads that missed the unflushed tables while the corresponding
// table files are still settling.
func (v *Version) GetFromHistory(ro ReadOptions, lk LookupKey) ([]byte, bool, error) {
	return getFrom(v.history, ro, lk)
}

func getFrom(list []*MemTable, ro ReadOptions, lk LookupKey) ([]byte, bool, error) {
	for _, m := range list {
		value, found, err := m.Get(ro, lk)
		if found {
			return value, true, err
		}
		if err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

// add prepends m to the unflushed list, taking over the caller's reference.
// Only legal on an unpublished version.
func (v *Version) add(m *MemTable) {
	v.memlist = append([]*MemTable{m}, v.memlist...)
}

// remove drops m from the unflushed list after its flush result was
// committed. When history is enabled the reference transfers there,
// otherwise it is released. Only legal on an unpublished version.
func (v *Version) remove(m *MemTable, toDelete *[]*MemTable) {
	for i, cur := range v.memlist {
		if cur == m {
			v.memlist = append(v.memlist[:i:i], v.memlist[i+1:]...)
			break
		}
	}
	if v.maxHistory > 0 {
		v.history = append([]*MemTable{m}, v.history...)
		v.trimHistory(toDelete)
		return
	}
	m.Unref(toDelete)
}

// trimHistory evicts the oldest retained tables while the combined count of
// unflushed and retained tables exceeds maxHistory. Only legal on an
// unpublished version.
func (v *Version) trimHistory(toDelete *[]*MemTable) {
	for len(v.memlist)+len(v.history) > v.maxHistory && len(v.history) > 0 {
		oldest := v.history[len(v.history)-1]
		v.history = v.history[:len(v.history)-1]
		oldest.Unref(toDelete)
	}
}
