// Package eventbus is the small synchronous publish/subscribe mechanism the
// cache uses to talk to the rest of the annotation tool: it publishes
// cache_hit/cache_miss/memory_usage/performance_warning/preload_* events
// and subscribes to frame_changed/project_opened from the host application.
//
// Delivery is synchronous and in-order on the publishing goroutine, which is
// what §5's ordering guarantees require ("cache_hit/cache_miss events for a
// given call are emitted before the call returns"). A subscriber that needs
// to do real work should hand off to its own goroutine rather than block the
// publisher — the bus itself never queues or drops, unlike a frame-delivery
// bus where staleness would matter more than completeness.
package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

// Names of every event this package's producer/consumer contract in the
// external-interfaces section recognizes.
const (
	CacheHit           = "cache_hit"
	CacheMiss          = "cache_miss"
	MemoryUsage        = "memory_usage"
	PerformanceWarning = "performance_warning"
	CacheHitRateLow    = "cache_hit_rate_low"
	PreloadPaused      = "preload_paused"
	PreloadResumed     = "preload_resumed"

	FrameChanged  = "frame_changed"
	ProjectOpened = "project_opened"
)

// Event is an envelope carrying a structured payload, never free text.
type Event struct {
	Name    string
	Payload any
}

// Handler receives published events. It must not block for long: the bus
// calls handlers synchronously and in subscription order.
type Handler func(Event)

// Bus is the cache's event bus. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	logger *zap.Logger
}

// New constructs an empty bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]Handler),
		logger: logger,
	}
}

// Subscribe registers h for events named name, returning a function that
// removes the subscription.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[name] = append(b.subs[name], h)
	idx := len(b.subs[name]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subs[name]
		if idx >= len(handlers) {
			return
		}
		handlers[idx] = nil
	}
}

// Publish delivers ev to every live subscriber of ev.Name, synchronously,
// in subscription order. A nil logger means publish failures (there are
// none today — handlers cannot return errors) are simply not logged.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := b.subs[ev.Name]
	snapshot := make([]Handler, len(handlers))
	copy(snapshot, handlers)
	b.mu.RUnlock()

	for _, h := range snapshot {
		if h == nil {
			continue
		}
		h(ev)
	}
}

// Severity classifies a performance_warning event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// CacheHitPayload is the payload of a cache_hit event.
type CacheHitPayload struct {
	Key       string
	ElapsedMs float64
}

// CacheMissPayload is the payload of a cache_miss event.
type CacheMissPayload struct {
	Key           string
	LoadElapsedMs float64
}

// MemoryUsagePayload is the payload of a memory_usage event.
type MemoryUsagePayload struct {
	ResidentBytes  int64
	HardLimitBytes int64
	UsageRatio     float64
	WarningLevel   string
}

// PerformanceWarningPayload is the payload of a performance_warning event.
type PerformanceWarningPayload struct {
	Metric    string
	Value     float64
	Threshold float64
	Severity  Severity
}

// CacheHitRateLowPayload is the payload of a cache_hit_rate_low event.
type CacheHitRateLowPayload struct {
	HitRate float64
	Window  int
}

// PreloadPausedPayload is the payload of a preload_paused event.
type PreloadPausedPayload struct {
	Reason string
}

// FrameChangedPayload is the payload of a frame_changed event, consumed by
// the cache to recompute the prefetch window and feed the predictor.
type FrameChangedPayload struct {
	CurrentKey     string
	PreviousKey    string
	DirectionHint  string
}

// ProjectOpenedPayload is the payload of a project_opened event, consumed
// by the cache to reset itself and configure key bounds.
type ProjectOpenedPayload struct {
	RangeMin int64
	RangeMax int64
}
