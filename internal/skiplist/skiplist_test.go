package skiplist

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/birchdb/birch/internal/arena"
)

func newList(t *testing.T) *SkipList {
	t.Helper()
	return New(bytes.Compare, arena.New())
}

func TestSkipListOrdering(t *testing.T) {
	s := newList(t)

	keys := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		keys = append(keys, fmt.Sprintf("key-%04d", i))
	}
	rand.New(rand.NewSource(1)).Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})

	for _, k := range keys {
		require.NoError(t, s.Add([]byte(k), []byte("v-"+k)))
	}
	require.Equal(t, 200, s.Len())

	sort.Strings(keys)
	it := s.NewIterator()
	i := 0
	for it.First(); it.Valid(); it.Next() {
		require.Less(t, i, len(keys))
		assert.Equal(t, keys[i], string(it.Key()))
		assert.Equal(t, "v-"+keys[i], string(it.Value()))
		i++
	}
	assert.Equal(t, len(keys), i)
}

func TestSkipListSeekGE(t *testing.T) {
	s := newList(t)
	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, s.Add([]byte(k), nil))
	}

	it := s.NewIterator()

	it.SeekGE([]byte("a"))
	require.True(t, it.Valid())
	assert.Equal(t, "b", string(it.Key()))

	it.SeekGE([]byte("d"))
	require.True(t, it.Valid())
	assert.Equal(t, "d", string(it.Key()))

	it.SeekGE([]byte("e"))
	require.True(t, it.Valid())
	assert.Equal(t, "f", string(it.Key()))

	it.SeekGE([]byte("g"))
	assert.False(t, it.Valid())
}

func TestSkipListEmpty(t *testing.T) {
	s := newList(t)
	assert.Equal(t, 0, s.Len())

	it := s.NewIterator()
	it.First()
	assert.False(t, it.Valid())
	it.SeekGE([]byte("a"))
	assert.False(t, it.Valid())
}

func TestSkipListKeyBytesCopied(t *testing.T) {
	s := newList(t)

	key := []byte("mutate-me")
	val := []byte("value")
	require.NoError(t, s.Add(key, val))
	key[0] = 'X'
	val[0] = 'X'

	it := s.NewIterator()
	it.First()
	require.True(t, it.Valid())
	assert.Equal(t, "mutate-me", string(it.Key()))
	assert.Equal(t, "value", string(it.Value()))
}
