package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewise/annocache/internal/frame"
)

func newEntry(key frame.Key, size int64) *Entry {
	return &Entry{Key: key, ByteSize: size}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := New(nil)

	_, existed := s.Put(frame.Key(1), newEntry(1, 10))
	require.False(t, existed)

	got, ok := s.Get(frame.Key(1))
	require.True(t, ok)
	assert.Equal(t, int64(10), got.ByteSize)
	assert.Equal(t, uint64(1), got.AccessCount)
}

func TestStore_GetMovesToHead(t *testing.T) {
	t.Parallel()
	s := New(nil)

	s.Put(frame.Key(1), newEntry(1, 1))
	s.Put(frame.Key(2), newEntry(2, 1))
	s.Put(frame.Key(3), newEntry(3, 1))

	mru, ok := s.MostRecentKey()
	require.True(t, ok)
	assert.Equal(t, frame.Key(3), mru)

	_, ok = s.Get(frame.Key(1))
	require.True(t, ok)

	mru, ok = s.MostRecentKey()
	require.True(t, ok)
	assert.Equal(t, frame.Key(1), mru, "a successful get must place its key at the head")
}

func TestStore_EvictLRUSkippingPinned(t *testing.T) {
	t.Parallel()
	s := New(nil)

	e1 := newEntry(1, 1)
	e2 := newEntry(2, 1)
	e3 := newEntry(3, 1)
	s.Put(frame.Key(1), e1)
	s.Put(frame.Key(2), e2)
	s.Put(frame.Key(3), e3)

	// Pin the actual LRU entry (key 1); eviction must skip it.
	e1.Pin()

	evicted, ok := s.EvictLRUSkippingPinned()
	require.True(t, ok)
	assert.Equal(t, frame.Key(2), evicted.Key, "pinned LRU entry must be skipped")
	assert.True(t, e1.Pinned())

	_, ok = s.Get(frame.Key(2))
	assert.False(t, ok, "evicted entry must no longer be resident")
}

func TestStore_EvictLRUSkippingPinned_AllPinnedReturnsFalse(t *testing.T) {
	t.Parallel()
	s := New(nil)

	e1 := newEntry(1, 1)
	e1.Pin()
	s.Put(frame.Key(1), e1)

	_, ok := s.EvictLRUSkippingPinned()
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RemovePinnedFails(t *testing.T) {
	t.Parallel()
	s := New(nil)

	e1 := newEntry(1, 1)
	e1.Pin()
	s.Put(frame.Key(1), e1)

	_, ok := s.Remove(frame.Key(1))
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	e1.MarkDeferredEvict()
	finalRelease := e1.Unpin()
	assert.True(t, finalRelease)

	removed, ok := s.Remove(frame.Key(1))
	require.True(t, ok)
	assert.Equal(t, frame.Key(1), removed.Key)
}

func TestStore_ClearSeparatesPinnedFromUnpinned(t *testing.T) {
	t.Parallel()
	s := New(nil)

	e1 := newEntry(1, 1)
	e2 := newEntry(2, 1)
	e1.Pin()
	s.Put(frame.Key(1), e1)
	s.Put(frame.Key(2), e2)

	removed, deferred := s.Clear()
	require.Len(t, removed, 1)
	assert.Equal(t, frame.Key(2), removed[0].Key)
	require.Len(t, deferred, 1)
	assert.Equal(t, frame.Key(1), deferred[0])
	assert.Equal(t, 1, s.Len(), "pinned entry stays resident until released")
}

func TestStore_IterFromLRUOrder(t *testing.T) {
	t.Parallel()
	s := New(nil)

	s.Put(frame.Key(1), newEntry(1, 1))
	s.Put(frame.Key(2), newEntry(2, 1))
	s.Put(frame.Key(3), newEntry(3, 1))

	var order []frame.Key
	s.IterFromLRU(func(e *Entry) bool {
		order = append(order, e.Key)
		return true
	})
	assert.Equal(t, []frame.Key{1, 2, 3}, order)
}

func TestStore_UnpinPastZeroPanics(t *testing.T) {
	t.Parallel()
	e := newEntry(1, 1)
	assert.Panics(t, func() { e.Unpin() })
}

func TestStore_HandlesAreReusedAfterEviction(t *testing.T) {
	t.Parallel()
	s := New(nil)

	for i := 0; i < 4; i++ {
		s.Put(frame.Key(i), newEntry(frame.Key(i), 1))
	}
	for i := 0; i < 4; i++ {
		s.EvictLRUSkippingPinned()
	}
	assert.Equal(t, 0, s.Len())

	// Arena slots from the evicted nodes should be recycled, not leaked.
	initialCap := len(s.nodes)
	s.Put(frame.Key(100), newEntry(100, 1))
	assert.LessOrEqual(t, len(s.nodes), initialCap)
}
