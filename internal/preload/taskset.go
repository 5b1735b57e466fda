package preload

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/framewise/annocache/internal/frame"
)

// taskSet is the concurrent in-flight/queued key set backing the
// scheduler's deduplication (the facade's single-flight loading uses its
// own singleflight.Group, not this set), wrapped
// around a sharded concurrent map the same way this codebase's smap
// package wraps it, to keep the hot dedup path off a single global mutex.
type taskSet struct {
	m cmap.ConcurrentMap[string, *Task]
}

func newTaskSet() *taskSet {
	return &taskSet{m: cmap.New[*Task]()}
}

// insert adds task under key if absent, reporting whether it was inserted.
func (s *taskSet) insert(key frame.Key, task *Task) bool {
	return s.m.SetIfAbsent(key.String(), task)
}

func (s *taskSet) get(key frame.Key) (*Task, bool) {
	return s.m.Get(key.String())
}

func (s *taskSet) has(key frame.Key) bool {
	return s.m.Has(key.String())
}

func (s *taskSet) remove(key frame.Key) {
	s.m.Remove(key.String())
}

func (s *taskSet) items() []*Task {
	all := s.m.Items()
	out := make([]*Task, 0, len(all))
	for _, t := range all {
		out = append(out, t)
	}
	return out
}

func (s *taskSet) count() int {
	return s.m.Count()
}
