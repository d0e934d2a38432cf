// Package skiplist implements the ordered collection backing a memtable.
//
// The list is ordered by an arbitrary key comparator and supports a single
// concurrent writer with many lock-free readers: forward links are atomic
// pointers published with release semantics, so a reader either sees a
// fully linked node or none at all. Nodes are never removed; a memtable is
// dropped as a whole when its reference count reaches zero.
package skiplist

import (
	"sync/atomic"

	"github.com/birchdb/birch/internal/arena"
)

const (
	maxHeight = 12
	// branching factor 4: each level keeps ~1/4 of the previous one.
	branchMask = 3
)

// CompareFunc defines the total order over keys stored in the list.
type CompareFunc func(a, b []byte) int

type node struct {
	key   []byte
	value []byte
	tower [maxHeight]atomic.Pointer[node]
}

// SkipList is an append-only ordered map from keys to values.
type SkipList struct {
	head   *node
	height atomic.Int32
	cmp    CompareFunc
	arena  *arena.Arena
	rng    uint64
	count  int
}

// New creates an empty skip list whose key and value bytes live in the
// given arena.
func New(cmp CompareFunc, a *arena.Arena) *SkipList {
	s := &SkipList{
		head:  &node{},
		cmp:   cmp,
		arena: a,
		rng:   0x9e3779b97f4a7c15,
	}
	s.height.Store(1)
	return s
}

// randomHeight draws a tower height with geometric distribution.
func (s *SkipList) randomHeight() int {
	h := 1
	for h < maxHeight {
		s.rng ^= s.rng << 13
		s.rng ^= s.rng >> 7
		s.rng ^= s.rng << 17
		if s.rng&branchMask != 0 {
			break
		}
		h++
	}
	return h
}

// Add inserts key with value. Keys must be unique; the single writer is
// responsible for never inserting the same key twice. The key and value
// bytes are copied into the arena.
func (s *SkipList) Add(key, value []byte) error {
	keyCopy, err := s.arena.Alloc(len(key))
	if err != nil {
		return err
	}
	copy(keyCopy, key)

	var valCopy []byte
	if len(value) > 0 {
		valCopy, err = s.arena.Alloc(len(value))
		if err != nil {
			return err
		}
		copy(valCopy, value)
	}

	n := &node{key: keyCopy, value: valCopy}

	var prev [maxHeight]*node
	s.findSplice(key, &prev)

	h := s.randomHeight()
	if int32(h) > s.height.Load() {
		for i := s.height.Load(); i < int32(h); i++ {
			prev[i] = s.head
		}
		s.height.Store(int32(h))
	}

	// Link bottom-up so readers descending the tower always land on a
	// reachable node.
	for i := 0; i < h; i++ {
		n.tower[i].Store(prev[i].tower[i].Load())
		prev[i].tower[i].Store(n)
	}
	s.count++
	return nil
}

// findSplice fills prev with the rightmost node strictly before key at
// every level.
func (s *SkipList) findSplice(key []byte, prev *[maxHeight]*node) {
	x := s.head
	for i := int(s.height.Load()) - 1; i >= 0; i-- {
		for {
			next := x.tower[i].Load()
			if next == nil || s.cmp(next.key, key) >= 0 {
				break
			}
			x = next
		}
		prev[i] = x
	}
	for i := int(s.height.Load()); i < maxHeight; i++ {
		prev[i] = s.head
	}
}

// seekGE returns the first node with key >= the given key, or nil.
func (s *SkipList) seekGE(key []byte) *node {
	x := s.head
	for i := int(s.height.Load()) - 1; i >= 0; i-- {
		for {
			next := x.tower[i].Load()
			if next == nil || s.cmp(next.key, key) >= 0 {
				break
			}
			x = next
		}
	}
	return x.tower[0].Load()
}

// Len returns the number of inserted entries.
func (s *SkipList) Len() int { return s.count }

// Iterator walks the list in key order. An iterator is not safe for
// concurrent use, but many iterators may run concurrently with one writer.
type Iterator struct {
	list *SkipList
	n    *node
}

// NewIterator returns an unpositioned iterator.
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{list: s}
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool { return it.n != nil }

// SeekGE positions the iterator at the first entry with key >= key.
func (it *Iterator) SeekGE(key []byte) {
	it.n = it.list.seekGE(key)
}

// First positions the iterator at the smallest entry.
func (it *Iterator) First() {
	it.n = it.list.head.tower[0].Load()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	it.n = it.n.tower[0].Load()
}

// Key returns the current entry's key. Valid only while Valid() is true.
func (it *Iterator) Key() []byte { return it.n.key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.n.value }
