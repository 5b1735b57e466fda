// Package preload implements the Preload Scheduler: a fixed worker pool
// draining a three-tier priority queue to keep a sliding window of frames
// around the cursor resident, without ever touching the cache's locks
// directly or blocking a foreground get.
package preload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/framewise/annocache/internal/frame"
	"github.com/framewise/annocache/internal/predictor"
)

// Fetcher is implemented by the cache facade. A worker never talks to the
// Frame Loader directly: it goes through the facade so a background
// prefetch and a concurrent foreground miss on the same key coalesce into
// the same single-flight load rather than racing two loader invocations.
type Fetcher interface {
	FetchAndAdmit(ctx context.Context, key frame.Key) error
}

// Residency answers whether a key is currently resident, so the window
// recompute can skip keys that don't need prefetching.
type Residency interface {
	Contains(key frame.Key) bool
}

// Config carries the scheduler's tunables, resolved from cache.Config.
type Config struct {
	WorkerCount      int
	PreloadBack      int64
	PreloadForward   int64
	NearWindow       int64
	PrefetchDeadline time.Duration
}

// Scheduler is the Preload Scheduler. Construct with New, then Start it on
// its own goroutines and Close it on shutdown.
type Scheduler struct {
	cfg     Config
	fetcher Fetcher
	logger  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queues [3][]*Task // indexed by Priority
	closed bool

	inFlight *taskSet
	paused   atomic.Bool

	currentRange frame.Range

	eg *errgroup.Group
}

// New constructs a Scheduler. Call Start to spin up its worker pool.
func New(cfg Config, fetcher Fetcher, logger *zap.Logger) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		logger:   logger.Named("preload"),
		inFlight: newTaskSet(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. Workers run until ctx is cancelled or
// Close is called.
func (s *Scheduler) Start(ctx context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg
	for i := 0; i < s.cfg.WorkerCount; i++ {
		eg.Go(func() error {
			s.workerLoop(egCtx)
			return nil
		})
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
}

// Close stops accepting new work and waits for every worker to observe
// cancellation and return, using the same errgroup-per-generation pattern
// the reference codebase uses for its own fan-out worker shutdowns.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.eg == nil {
		return nil
	}
	return s.eg.Wait()
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		task := s.dequeue()
		if task == nil {
			return
		}
		s.execute(ctx, task)
	}
}

func (s *Scheduler) dequeue() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil
		}
		for p := PriorityHigh; p >= PriorityLow; p-- {
			q := s.queues[p]
			if len(q) > 0 {
				t := q[0]
				s.queues[p] = q[1:]
				return t
			}
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	defer s.inFlight.remove(task.Key)

	if task.Cancelled() || task.Expired() {
		return
	}

	loadCtx, cancel := context.WithDeadline(ctx, task.Deadline)
	defer cancel()

	if err := s.fetcher.FetchAndAdmit(loadCtx, task.Key); err != nil {
		s.logger.Debug("preload task failed",
			zap.String("key", task.Key.String()),
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
		return
	}
	if task.Cancelled() {
		// The buffer was admitted by FetchAndAdmit's own single-flight
		// group already; cancellation past this point only means the
		// window moved on before we could log the win. Nothing to undo.
		return
	}
}

func (s *Scheduler) enqueue(task *Task) {
	if !s.inFlight.insert(task.Key, task) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.inFlight.remove(task.Key)
		return
	}
	s.queues[task.Priority] = append(s.queues[task.Priority], task)
	s.mu.Unlock()
	s.cond.Signal()
}

func priorityFor(distance, nearWindow int64) Priority {
	switch {
	case distance <= 1:
		return PriorityHigh
	case distance <= nearWindow:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// effectiveWindow scales the configured back/forward window by the
// predictor's confidence-derived multiplier and mirrors or symmetrizes it
// per the predicted direction.
func (s *Scheduler) effectiveWindow(direction predictor.Direction, scale float64) (back, forward int64) {
	b := float64(s.cfg.PreloadBack) * scale
	f := float64(s.cfg.PreloadForward) * scale
	switch direction {
	case predictor.DirectionBackward:
		b, f = f, b
	case predictor.DirectionStationary:
		avg := (b + f) / 2
		b, f = avg, avg
	}
	return int64(b), int64(f)
}

// RecomputeWindow implements §4.4's window recompute: given the new
// cursor, predicted direction, and confidence-derived range scale, it
// enqueues a task for every non-resident key newly in range and cancels
// every queued/in-flight task that fell out of range.
func (s *Scheduler) RecomputeWindow(cursor frame.Key, direction predictor.Direction, scale float64, rng frame.Range, resident Residency) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	back, forward := s.effectiveWindow(direction, scale)
	lo := rng.Clamp(cursor - frame.Key(back))
	hi := rng.Clamp(cursor + frame.Key(forward))

	inWindow := func(k frame.Key) bool { return k >= lo && k <= hi }

	for _, t := range s.inFlight.items() {
		if !inWindow(t.Key) {
			t.Cancel()
		}
	}

	paused := s.paused.Load()
	nearWindow := s.cfg.NearWindow
	deadline := s.cfg.PrefetchDeadline
	if deadline <= 0 {
		deadline = 500 * time.Millisecond
	}

	for k := lo; k <= hi; k++ {
		if resident.Contains(k) {
			continue
		}
		if s.inFlight.has(k) {
			continue
		}
		dist := absKeyDelta(k, cursor)
		pr := priorityFor(dist, nearWindow)
		if paused && pr == PriorityLow {
			continue
		}
		task := newTask(k, direction, pr, dist, time.Now().Add(deadline))
		s.enqueue(task)
	}

	s.mu.Lock()
	s.currentRange = frame.Range{Min: lo, Max: hi}
	s.mu.Unlock()
}

func absKeyDelta(a, b frame.Key) int64 {
	d := int64(a) - int64(b)
	if d < 0 {
		return -d
	}
	return d
}

// Pause implements governor.PreloadController: it cancels every queued
// low-priority task and every normal-priority task in the far half of the
// current window, leaving high-priority (immediately adjacent) work alone.
func (s *Scheduler) Pause(reason string) {
	if !s.paused.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	for _, t := range s.queues[PriorityLow] {
		t.Cancel()
	}
	half := s.cfg.NearWindow / 2
	for _, t := range s.queues[PriorityNormal] {
		if t.Distance > half {
			t.Cancel()
		}
	}
	s.mu.Unlock()
	s.logger.Info("preload paused", zap.String("reason", reason))
}

// Resume implements governor.PreloadController.
func (s *Scheduler) Resume() {
	if s.paused.CompareAndSwap(true, false) {
		s.logger.Info("preload resumed")
	}
}

// ShrinkWindow scales the configured preload_back/preload_forward down by
// factor (clamped to a minimum of 1 frame each way), used as the cache
// facade's corrective action when the performance timer observes sustained
// hard-threshold violations.
func (s *Scheduler) ShrinkWindow(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.PreloadBack = shrinkBy(s.cfg.PreloadBack, factor)
	s.cfg.PreloadForward = shrinkBy(s.cfg.PreloadForward, factor)
}

func shrinkBy(v int64, factor float64) int64 {
	shrunk := int64(float64(v) * factor)
	if shrunk < 1 {
		return 1
	}
	return shrunk
}

// Paused reports whether the scheduler is currently in a paused state.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// QueueDepth returns the number of tasks currently queued or in flight,
// for diagnostics and tests.
func (s *Scheduler) QueueDepth() int {
	return s.inFlight.count()
}
