package preload

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/framewise/annocache/internal/frame"
	"github.com/framewise/annocache/internal/predictor"
)

// Priority orders the scheduler's work queue. Workers drain High before
// Normal before Low, FIFO within a tier.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Task is a PrefetchTask: a single frame a worker should load and hand off
// to the cache facade, unless cancelled first.
type Task struct {
	ID        uuid.UUID
	Key       frame.Key
	Direction predictor.Direction
	Priority  Priority
	Distance  int64
	Deadline  time.Time
	CreatedAt time.Time

	cancelled atomic.Bool
}

func newTask(key frame.Key, direction predictor.Direction, priority Priority, distance int64, deadline time.Time) *Task {
	return &Task{
		ID:        uuid.New(),
		Key:       key,
		Direction: direction,
		Priority:  priority,
		Distance:  distance,
		Deadline:  deadline,
		CreatedAt: time.Now(),
	}
}

// Cancel sets the cooperative cancellation flag. A worker checks it before
// calling the fetcher; loading and admission happen together inside that
// call, so a task cancelled while its fetch is running still has its buffer
// admitted.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Expired reports whether the task's soft deadline has passed.
func (t *Task) Expired() bool {
	return time.Now().After(t.Deadline)
}
