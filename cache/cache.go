package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/framewise/annocache/internal/eventbus"
	"github.com/framewise/annocache/internal/frame"
	"github.com/framewise/annocache/internal/governor"
	"github.com/framewise/annocache/internal/lru"
	"github.com/framewise/annocache/internal/perf"
	"github.com/framewise/annocache/internal/predictor"
	"github.com/framewise/annocache/internal/preload"
)

var tracer = otel.Tracer("github.com/framewise/annocache/cache")

// Loader is the Frame Loader collaborator: whatever decodes a frame off the
// video source. The cache never assumes anything about how it works beyond
// "give me the bytes for this key, or an error, honoring ctx".
type Loader interface {
	Load(ctx context.Context, key frame.Key) (frame.Buffer, error)
}

// Borrow is a pinned reference to a resident frame buffer. The caller must
// pass it to Cache.Release exactly once when done reading Buffer(); the
// buffer is guaranteed not to be evicted while any Borrow referencing it is
// outstanding.
type Borrow struct {
	entry    *lru.Entry
	released atomic.Bool
}

// Key returns the frame key this borrow references.
func (b *Borrow) Key() frame.Key { return b.entry.Key }

// Buffer returns the borrowed frame buffer. It must not be mutated: the
// cache treats every resident buffer as immutable.
func (b *Borrow) Buffer() frame.Buffer { return b.entry.Buffer }

// Stats is a snapshot of the facade's own counters, independent of the
// finer-grained percentile stats available from the performance timer.
type Stats struct {
	Hits          int64
	Misses        int64
	HitRate       float64
	Evictions     int64
	ResidentBytes int64
	EntryCount    int
	WarningLevel  string
}

// Option configures optional collaborators at construction. Everything has
// a working default; options exist for the demo binary and tests to inject
// real telemetry backends or a logger.
type Option func(*Cache)

// WithLogger overrides the default no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMeter attaches an OpenTelemetry meter for the governor's and timer's
// instruments. Without it, metrics are simply not exported.
func WithMeter(m metric.Meter) Option {
	return func(c *Cache) { c.meter = m }
}

// WithEventBus lets the host application supply its own bus instance
// (typically so it can Subscribe before Start is called) instead of relying
// on Cache.Events after construction.
func WithEventBus(b *eventbus.Bus) Option {
	return func(c *Cache) { c.bus = b }
}

// Cache is the Cache Facade. Construct with New, call Start once the host
// application is ready to receive background traffic, and Close on
// shutdown.
type Cache struct {
	cfg    Config
	loader Loader
	logger *zap.Logger
	meter  metric.Meter
	bus    *eventbus.Bus

	store     *lru.Store
	governor  *governor.Governor
	predictor *predictor.Predictor
	scheduler *preload.Scheduler
	timer     *perf.Timer

	sf singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	rangeMu sync.RWMutex

	unsubFrameChanged  func()
	unsubProjectOpened func()

	runCancel context.CancelFunc
}

// New wires every collaborator described in the external-interfaces
// section into a ready-to-use Cache. It does not start the preload
// scheduler's workers or the governor's background tick — call Start for
// that once the caller is ready for background I/O.
func New(cfg Config, loader Loader, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:    cfg,
		loader: loader,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = eventbus.New(c.logger)
	}

	c.store = lru.New(c.logger)

	gov, err := governor.New(governor.Config{
		HardLimitBytes:           cfg.HardLimitBytes,
		SoftLimitBytes:           cfg.SoftLimitBytes,
		TargetAfterEvictionBytes: cfg.TargetAfterEvictionBytes,
		MaxEntries:               cfg.MaxEntries,
		GraceInterval:            cfg.GraceInterval,
		TickInterval:             cfg.TickInterval,
	}, c.store, c.bus, c.logger, c.meter)
	if err != nil {
		return nil, fmt.Errorf("cache: construct governor: %w", err)
	}
	c.governor = gov

	c.predictor = predictor.New(cfg.PredictorWindow, cfg.PredictorRecencyTTL)

	c.scheduler = preload.New(preload.Config{
		WorkerCount:      cfg.WorkerCount,
		PreloadBack:      cfg.PreloadBack,
		PreloadForward:   cfg.PreloadForward,
		NearWindow:       cfg.NearWindow,
		PrefetchDeadline: cfg.PrefetchDeadline,
	}, c, c.logger)

	gov.SetPreloadController(c.scheduler)

	timer, err := perf.New(perf.Config{
		RingSize:            cfg.PerfRingSize,
		WarnThresholdMs:     cfg.WarnThresholdMs,
		HardThresholdMs:     cfg.HardThresholdMs,
		HitRateWindow:       cfg.HitRateWindow,
		HitRateFloor:        cfg.HitRateFloor,
		SustainedViolations: cfg.SustainedViolations,
		SustainedWithin:     cfg.SustainedWithin,
	}, c.bus, c.logger, c.shrinkWindowOnSustainedOverrun, c.meter)
	if err != nil {
		return nil, fmt.Errorf("cache: construct performance timer: %w", err)
	}
	c.timer = timer

	c.unsubFrameChanged = c.bus.Subscribe(eventbus.FrameChanged, c.onFrameChanged)
	c.unsubProjectOpened = c.bus.Subscribe(eventbus.ProjectOpened, c.onProjectOpened)

	return c, nil
}

// Events exposes the facade's event bus so the host application can
// subscribe to cache_hit, memory_usage, performance_warning, and the rest
// of the producer contract, and publish frame_changed/project_opened back.
func (c *Cache) Events() *eventbus.Bus { return c.bus }

// Start launches the preload scheduler's worker pool and the memory
// governor's background tick. ctx governs their lifetime; cancelling it (or
// calling Close) stops both.
func (c *Cache) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.scheduler.Start(runCtx)
	go c.governor.Run(runCtx)
}

// Close stops background work and releases the predictor's recency cache.
// It does not clear resident buffers; call Clear first if a full teardown
// is wanted.
func (c *Cache) Close() error {
	if c.runCancel != nil {
		c.runCancel()
	}
	if c.unsubFrameChanged != nil {
		c.unsubFrameChanged()
	}
	if c.unsubProjectOpened != nil {
		c.unsubProjectOpened()
	}
	c.predictor.Close()
	return c.scheduler.Close()
}

func (c *Cache) frameRange() frame.Range {
	c.rangeMu.RLock()
	defer c.rangeMu.RUnlock()
	return c.cfg.Range
}

func (c *Cache) setFrameRange(r frame.Range) {
	c.rangeMu.Lock()
	c.cfg.Range = r
	c.rangeMu.Unlock()
}

// Get returns a pinned Borrow for key, loading and admitting it first if it
// is not already resident. The caller must call Release on the returned
// Borrow exactly once. ctx's deadline is intersected with the configured
// frame-switch budget so a slow load cannot silently blow through the
// latency contract without at least being timed and reported.
func (c *Cache) Get(ctx context.Context, key frame.Key) (*Borrow, error) {
	ctx, span := tracer.Start(ctx, "cache.get")
	defer span.End()

	if !c.frameRange().Contains(key) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	start := time.Now()
	budget := time.Duration(c.cfg.FrameSwitchBudgetMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if entry, ok := c.store.Get(key); ok {
		entry.Pin()
		c.hits.Add(1)
		elapsed := msOf(time.Since(start))
		c.predictor.Record(key)
		c.bus.Publish(eventbus.Event{
			Name:    eventbus.CacheHit,
			Payload: eventbus.CacheHitPayload{Key: key.String(), ElapsedMs: elapsed},
		})
		c.timer.Record(ctx, perf.Sample{Hit: true, ElapsedMs: elapsed, At: start})
		return &Borrow{entry: entry}, nil
	}

	c.misses.Add(1)

	if err := c.FetchAndAdmit(ctx, key); err != nil {
		elapsed := msOf(time.Since(start))
		c.timer.Record(ctx, perf.Sample{Hit: false, ElapsedMs: elapsed, At: start})
		span.RecordError(err)
		c.bus.Publish(eventbus.Event{
			Name:    eventbus.CacheMiss,
			Payload: eventbus.CacheMissPayload{Key: key.String(), LoadElapsedMs: elapsed},
		})
		c.bus.Publish(eventbus.Event{
			Name: eventbus.PerformanceWarning,
			Payload: eventbus.PerformanceWarningPayload{
				Metric:    "loader_failure",
				Value:     elapsed,
				Threshold: float64(c.cfg.FrameSwitchBudgetMs),
				Severity:  eventbus.SeverityWarning,
			},
		})
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, key, err)
	}

	entry, ok := c.store.Get(key)
	if !ok {
		// Admitted then evicted again before we could pin it: a starved,
		// tiny budget under heavy concurrent churn. Report as a miss rather
		// than retrying, so the caller's own retry policy decides.
		elapsed := msOf(time.Since(start))
		c.timer.Record(ctx, perf.Sample{Hit: false, ElapsedMs: elapsed, At: start})
		c.bus.Publish(eventbus.Event{
			Name:    eventbus.CacheMiss,
			Payload: eventbus.CacheMissPayload{Key: key.String(), LoadElapsedMs: elapsed},
		})
		return nil, fmt.Errorf("%w: %s: evicted before it could be borrowed", ErrNotFound, key)
	}
	entry.Pin()
	c.predictor.Record(key)
	elapsed := msOf(time.Since(start))
	c.timer.Record(ctx, perf.Sample{Hit: false, ElapsedMs: elapsed, At: start})
	c.bus.Publish(eventbus.Event{
		Name:    eventbus.CacheMiss,
		Payload: eventbus.CacheMissPayload{Key: key.String(), LoadElapsedMs: elapsed},
	})
	return &Borrow{entry: entry}, nil
}

// FetchAndAdmit implements preload.Fetcher. It loads key through a
// singleflight group shared by every foreground miss and every background
// prefetch task, so at most one Loader.Load call for a given key is ever in
// flight regardless of how many callers ask for it concurrently.
func (c *Cache) FetchAndAdmit(ctx context.Context, key frame.Key) error {
	resCh := c.sf.DoChan(key.String(), func() (any, error) {
		buf, err := c.loader.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		if err := c.admit(ctx, buf); err != nil {
			return nil, err
		}
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-resCh:
		return res.Err
	}
}

// Put admits an already-decoded buffer directly, bypassing the loader. The
// scheduler never calls this itself (it goes through FetchAndAdmit so
// single-flight coalescing applies); Put exists for callers that already
// have frame bytes in hand, e.g. a decode pipeline pushing frames it
// produced eagerly.
func (c *Cache) Put(ctx context.Context, buf frame.Buffer) error {
	return c.admit(ctx, buf)
}

func (c *Cache) admit(ctx context.Context, buf frame.Buffer) error {
	if buf.Size() > c.cfg.HardLimitBytes {
		return fmt.Errorf("%w: buffer of %s exceeds hard_limit_bytes of %s",
			ErrBudgetExhausted, humanize.IBytes(uint64(buf.Size())), humanize.IBytes(uint64(c.cfg.HardLimitBytes)))
	}
	if _, ok := c.store.Peek(buf.Key); ok {
		return nil
	}

	evicted, err := c.governor.Admit(ctx, buf.Size())
	c.releaseEvicted(evicted)
	if err != nil {
		if errors.Is(err, governor.ErrBudgetExhausted) {
			return fmt.Errorf("%w: %s", ErrBudgetExhausted, buf.Key)
		}
		return err
	}

	entry := &lru.Entry{
		Key:        buf.Key,
		Buffer:     buf,
		ByteSize:   buf.Size(),
		InsertedAt: time.Now(),
	}
	c.store.Put(buf.Key, entry)
	return nil
}

func (c *Cache) releaseEvicted(entries []*lru.Entry) {
	if len(entries) == 0 {
		return
	}
	c.evictions.Add(int64(len(entries)))
	for _, e := range entries {
		c.logger.Debug("evicted resident frame",
			zap.String("key", e.Key.String()),
			zap.String("size", humanize.IBytes(uint64(e.ByteSize))))
	}
}

// Release returns a Borrow's pin. If this was the last outstanding borrow
// on the entry and an eviction had been deferred while it was pinned, the
// entry is removed and its bytes released from the governor's budget now.
func (c *Cache) Release(b *Borrow) error {
	if !b.released.CompareAndSwap(false, true) {
		c.logger.Error("borrow released twice", zap.String("key", b.entry.Key.String()))
		if c.cfg.PanicOnDoubleRelease {
			panic(ErrDoubleRelease)
		}
		return fmt.Errorf("%w: %s", ErrDoubleRelease, b.entry.Key)
	}
	if finalize := b.entry.Unpin(); finalize {
		if e, ok := c.store.Remove(b.entry.Key); ok {
			c.governor.Release(e.ByteSize)
			c.releaseEvicted([]*lru.Entry{e})
		}
	}
	return nil
}

// Invalidate drops key from the cache immediately if it is unpinned, or
// marks it for deferred eviction (finalized on the last Release) if it is
// currently borrowed.
func (c *Cache) Invalidate(key frame.Key) {
	if e, ok := c.store.Remove(key); ok {
		c.governor.Release(e.ByteSize)
		c.releaseEvicted([]*lru.Entry{e})
		return
	}
	if e, ok := c.store.Peek(key); ok {
		e.MarkDeferredEvict()
	}
}

// Clear evicts every unpinned resident entry and releases their bytes from
// the governor's budget. Pinned entries are marked for deferred eviction
// and left resident until their last Release.
func (c *Cache) Clear() {
	removed, deferred := c.store.Clear()
	for _, e := range removed {
		c.governor.Release(e.ByteSize)
	}
	c.releaseEvicted(removed)
	if len(deferred) > 0 {
		c.logger.Info("clear: entries deferred pending release", zap.Int("count", len(deferred)))
	}
}

// Stats returns a snapshot of the facade's own counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:          hits,
		Misses:        misses,
		HitRate:       hitRate,
		Evictions:     c.evictions.Load(),
		ResidentBytes: c.governor.ResidentBytes(),
		EntryCount:    c.store.Len(),
		WarningLevel:  c.governor.WarningLevel().String(),
	}
}

// PerfStats returns the rolling latency/hit-rate percentiles maintained by
// the performance timer, distinct from the coarser counters in Stats.
func (c *Cache) PerfStats() perf.Stats {
	return c.timer.Stats()
}

func (c *Cache) shrinkWindowOnSustainedOverrun() {
	target := c.cfg.TargetAfterEvictionBytes
	for c.governor.ResidentBytes() > target {
		e, ok := c.store.EvictLRUSkippingPinned()
		if !ok {
			break
		}
		c.governor.Release(e.ByteSize)
		c.releaseEvicted([]*lru.Entry{e})
	}
	c.scheduler.ShrinkWindow(0.5)
	c.logger.Warn("sustained latency violations: forced cleanup and shrank preload window")
}

type residencyAdapter struct{ store *lru.Store }

func (r residencyAdapter) Contains(k frame.Key) bool {
	_, ok := r.store.Peek(k)
	return ok
}

func (c *Cache) onFrameChanged(ev eventbus.Event) {
	payload, ok := ev.Payload.(eventbus.FrameChangedPayload)
	if !ok {
		return
	}
	cursor, err := frame.ParseKey(payload.CurrentKey)
	if err != nil {
		c.logger.Warn("frame_changed: unparseable current key", zap.String("key", payload.CurrentKey), zap.Error(err))
		return
	}

	pred := c.predictor.Predict()
	direction := pred.Direction
	if hint := directionFromHint(payload.DirectionHint); hint != "" {
		direction = hint
	}

	c.scheduler.RecomputeWindow(cursor, direction, pred.RangeScale(), c.frameRange(), residencyAdapter{c.store})
}

func directionFromHint(hint string) predictor.Direction {
	switch hint {
	case "forward":
		return predictor.DirectionForward
	case "backward":
		return predictor.DirectionBackward
	case "stationary":
		return predictor.DirectionStationary
	case "random":
		return predictor.DirectionRandom
	default:
		return ""
	}
}

func (c *Cache) onProjectOpened(ev eventbus.Event) {
	payload, ok := ev.Payload.(eventbus.ProjectOpenedPayload)
	if !ok {
		return
	}
	c.Clear()
	c.setFrameRange(frame.Range{Min: frame.Key(payload.RangeMin), Max: frame.Key(payload.RangeMax)})
	c.logger.Info("project opened: frame range reset",
		zap.Int64("min", payload.RangeMin), zap.Int64("max", payload.RangeMax))
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
