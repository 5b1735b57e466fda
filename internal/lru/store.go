// Package lru implements the Ordered LRU Store: a hash map from frame key
// to a node in an intrusive doubly linked list, giving O(1) lookup, O(1)
// recency update, and pin-aware eviction from the tail.
//
// The list is implemented as an arena of nodes addressed by small integer
// handles rather than pointers, per the cyclic-reference design note: a
// pointer-based intrusive list in Go is possible but fights the garbage
// collector and the "single lock, no allocation on the hot path" goal,
// whereas a slice-backed arena reuses freed slots and never allocates once
// warmed up.
package lru

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/framewise/annocache/internal/frame"
)

type handle int32

const nilHandle handle = -1

type node struct {
	key  frame.Key
	e    *Entry
	prev handle
	next handle
}

// Entry is a record owned by the store: one resident frame buffer plus the
// bookkeeping fields used by eviction and diagnostics.
type Entry struct {
	Key            frame.Key
	Buffer         frame.Buffer
	ByteSize       int64
	LastAccessTick uint64
	AccessCount    uint64
	InsertedAt     time.Time

	pins          atomic.Int32
	deferredEvict atomic.Bool
}

// Pinned reports whether the entry currently has at least one live borrow.
func (e *Entry) Pinned() bool {
	return e.pins.Load() > 0
}

// Pin registers a borrow. Called by the cache facade under the store lock.
func (e *Entry) Pin() {
	e.pins.Add(1)
}

// Unpin releases one borrow. It returns true exactly when this was the
// final outstanding borrow and a deferred eviction had been requested while
// the entry was pinned, signaling the caller to finalize that eviction now.
func (e *Entry) Unpin() bool {
	remaining := e.pins.Add(-1)
	if remaining < 0 {
		panic("lru: Unpin called more times than Pin")
	}
	return remaining == 0 && e.deferredEvict.Load()
}

// MarkDeferredEvict records that the entry should be evicted as soon as its
// pin count returns to zero.
func (e *Entry) MarkDeferredEvict() {
	e.deferredEvict.Store(true)
}

// DeferredEvict reports whether a deferred eviction is pending.
func (e *Entry) DeferredEvict() bool {
	return e.deferredEvict.Load()
}

// Store is the Ordered LRU Store. The zero value is not usable; construct
// with New.
type Store struct {
	mu     sync.Mutex
	nodes  []node
	free   []handle
	index  map[frame.Key]handle
	head   handle
	tail   handle
	tick   uint64
	logger *zap.Logger
}

// New constructs an empty store. logger may be nil, in which case the
// pathological-walk warning in EvictLRUSkippingPinned is silently dropped.
func New(logger *zap.Logger) *Store {
	s := &Store{
		index:  make(map[frame.Key]handle),
		logger: logger,
	}
	s.nodes = make([]node, 2, 256)
	s.nodes[0] = node{prev: nilHandle, next: 1}
	s.nodes[1] = node{prev: 0, next: nilHandle}
	s.head = 0
	s.tail = 1
	return s
}

func (s *Store) allocLocked() handle {
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		return h
	}
	s.nodes = append(s.nodes, node{})
	return handle(len(s.nodes) - 1)
}

func (s *Store) linkAtHeadLocked(h handle) {
	first := s.nodes[s.head].next
	s.nodes[h].prev = s.head
	s.nodes[h].next = first
	s.nodes[first].prev = h
	s.nodes[s.head].next = h
}

func (s *Store) unlinkLocked(h handle) {
	n := s.nodes[h]
	s.nodes[n.prev].next = n.next
	s.nodes[n.next].prev = n.prev
}

func (s *Store) removeHandleLocked(h handle) {
	n := s.nodes[h]
	s.unlinkLocked(h)
	delete(s.index, n.key)
	s.nodes[h] = node{}
	s.free = append(s.free, h)
}

// Get looks up key, splicing its node to the head (most-recently-used
// position) on a hit and bumping its tick and access count. It never
// allocates.
func (s *Store) Get(key frame.Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.index[key]
	if !ok {
		return nil, false
	}
	s.unlinkLocked(h)
	s.linkAtHeadLocked(h)
	s.tick++
	e := s.nodes[h].e
	e.LastAccessTick = s.tick
	e.AccessCount++
	return e, true
}

// Put inserts e at the head under key, returning the entry that was
// resident before (and true) if the key already existed. Per the edge policy, if the key exists
// and the incoming entry is smaller than the resident one, the resident
// entry is kept in place (and still moved to the head) rather than
// replaced — this path should never trigger in normal operation since
// admission only calls Put for genuinely new buffers.
func (s *Store) Put(key frame.Key, e *Entry) (previous *Entry, existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.index[key]; ok {
		prev := s.nodes[h].e
		kept := e
		if e.ByteSize < prev.ByteSize {
			kept = prev
		}
		s.nodes[h].e = kept
		s.unlinkLocked(h)
		s.linkAtHeadLocked(h)
		s.tick++
		kept.LastAccessTick = s.tick
		return prev, true
	}

	h := s.allocLocked()
	s.nodes[h].key = key
	s.nodes[h].e = e
	s.index[key] = h
	s.linkAtHeadLocked(h)
	s.tick++
	e.LastAccessTick = s.tick
	return nil, false
}

// Peek looks up key without touching recency order or access counters.
// Diagnostic/coordination use only (e.g. checking residency before
// scheduling a prefetch) — the hot get() path must use Get instead.
func (s *Store) Peek(key frame.Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.index[key]
	if !ok {
		return nil, false
	}
	return s.nodes[h].e, true
}

// Remove deletes key if its entry is unpinned, returning it. If the entry
// is pinned it is left untouched and ok is false; the caller is expected to
// call Entry.MarkDeferredEvict and retry once the last borrow releases.
func (s *Store) Remove(key frame.Key) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.index[key]
	if !ok {
		return nil, false
	}
	e := s.nodes[h].e
	if e.Pinned() {
		return nil, false
	}
	s.removeHandleLocked(h)
	return e, true
}

// EvictLRUSkippingPinned walks from the tail toward the head looking for
// the first unpinned entry, removes and returns it. Worst case this walks
// the whole list when nearly everything is pinned, which is pathological
// and logged as a warning.
func (s *Store) EvictLRUSkippingPinned() (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipped := 0
	h := s.nodes[s.tail].prev
	for h != s.head {
		n := s.nodes[h]
		if !n.e.Pinned() {
			e := n.e
			s.removeHandleLocked(h)
			if skipped > 0 && s.logger != nil {
				s.logger.Warn("lru: evict walked past pinned entries",
					zap.Int("skipped", skipped))
			}
			return e, true
		}
		skipped++
		h = n.prev
	}
	return nil, false
}

// Len returns the number of resident entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// IsEmpty reports whether the store holds no entries.
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// MostRecentKey returns the key currently at the head of the list
// (diagnostic only — used by tests asserting recency ordering).
func (s *Store) MostRecentKey() (frame.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.nodes[s.head].next
	if h == s.tail {
		return 0, false
	}
	return s.nodes[h].key, true
}

// IterFromLRU walks entries from least- to most-recently-used, calling
// visit for each. Iteration stops early if visit returns false. Diagnostic
// only: it holds the store lock for its duration and must not be used on a
// hot path.
func (s *Store) IterFromLRU(visit func(e *Entry) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.nodes[s.tail].prev
	for h != s.head {
		n := s.nodes[h]
		if !visit(n.e) {
			return
		}
		h = n.prev
	}
}

// Clear removes every unpinned entry and returns them for release by the
// caller. Pinned entries are left resident but marked for deferred
// eviction, and their keys are returned separately so the caller can log
// or account for them.
func (s *Store) Clear() (removed []*Entry, deferred []frame.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.nodes[s.tail].prev
	for h != s.head {
		prev := s.nodes[h].prev
		e := s.nodes[h].e
		key := s.nodes[h].key
		if e.Pinned() {
			e.MarkDeferredEvict()
			deferred = append(deferred, key)
		} else {
			removed = append(removed, e)
			s.removeHandleLocked(h)
		}
		h = prev
	}
	return removed, deferred
}
