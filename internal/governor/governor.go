// Package governor implements the Memory Governor: the authoritative byte
// budget for the cache, the admission algorithm that decides whether an
// incoming buffer can be resident, and the background tick that samples
// host memory and drives proactive back-pressure on the preload scheduler.
package governor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/framewise/annocache/internal/eventbus"
	"github.com/framewise/annocache/internal/lru"
)

// WarningLevel is the graduated memory-pressure classification supplementing
// the governor's binary soft/hard split, carried over from the prior
// implementation's five-band monitor.
type WarningLevel int

const (
	WarningNormal WarningLevel = iota
	WarningCaution
	WarningWarningLevel
	WarningCritical
	WarningEmergency
)

func (w WarningLevel) String() string {
	switch w {
	case WarningNormal:
		return "normal"
	case WarningCaution:
		return "caution"
	case WarningWarningLevel:
		return "warning"
	case WarningCritical:
		return "critical"
	case WarningEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds for the graduated warning bands, expressed as a fraction of
// hard_limit_bytes so they scale with whatever ceiling the caller
// configures, rather than fixed absolute GiB values pinned to one default
// budget.
const (
	cautionFraction  = 0.75
	warningFraction  = 0.90
	criticalFraction = 0.95
)

// Evictor is the subset of *lru.Store the governor needs to drive eviction.
type Evictor interface {
	EvictLRUSkippingPinned() (*lru.Entry, bool)
}

// EntryCounter is the subset of *lru.Store needed to enforce max_entries. It
// is checked with a type assertion on Evictor rather than folded into that
// interface, since most callers (and every existing test's fakeEvictor) have
// no reason to track a count.
type EntryCounter interface {
	Len() int
}

// PreloadController is implemented by the preload scheduler so the governor
// can pause/resume prefetching under memory pressure without importing the
// scheduler package directly.
type PreloadController interface {
	Pause(reason string)
	Resume()
}

// Config carries the governor's budget parameters. See cache.Config for the
// struct-tag-driven surface exposed to callers; this is the internal,
// already-validated form.
type Config struct {
	HardLimitBytes           int64
	SoftLimitBytes           int64
	TargetAfterEvictionBytes int64
	MaxEntries               int
	GraceInterval            time.Duration
	TickInterval             time.Duration
}

// ErrBudgetExhausted is returned by Admit when no amount of eviction can
// make room for the incoming buffer.
var ErrBudgetExhausted = fmt.Errorf("governor: budget exhausted")

// Governor is the Memory Governor. Construct with New.
type Governor struct {
	cfg     Config
	evictor Evictor
	bus     *eventbus.Bus
	logger  *zap.Logger
	preload PreloadController

	resident atomic.Int64

	admissionMu sync.Mutex

	mu            sync.Mutex
	softCrossedAt time.Time
	paused        atomic.Bool

	met *metrics
}

// New constructs a Governor. meter may be nil, in which case no OpenTelemetry
// instruments are registered (useful in tests that do not care about
// metrics export).
func New(cfg Config, evictor Evictor, bus *eventbus.Bus, logger *zap.Logger, meter metric.Meter) (*Governor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		cfg:     cfg,
		evictor: evictor,
		bus:     bus,
		logger:  logger.Named("governor"),
	}
	if meter != nil {
		m, err := newMetrics(meter, func() int64 { return g.resident.Load() })
		if err != nil {
			return nil, fmt.Errorf("governor: register metrics: %w", err)
		}
		g.met = m
	}
	return g, nil
}

// SetPreloadController wires the preload scheduler after construction,
// avoiding an import cycle between the two packages' constructors.
func (g *Governor) SetPreloadController(p PreloadController) {
	g.preload = p
}

// ResidentBytes returns the current resident-bytes counter.
func (g *Governor) ResidentBytes() int64 {
	return g.resident.Load()
}

// WarningLevel classifies current residency against the graduated bands.
func (g *Governor) WarningLevel() WarningLevel {
	resident := g.resident.Load()
	ratio := float64(resident) / float64(g.cfg.HardLimitBytes)
	switch {
	case ratio < cautionFraction:
		return WarningNormal
	case ratio < warningFraction:
		return WarningCaution
	case ratio < criticalFraction:
		return WarningWarningLevel
	case ratio < 1.0:
		return WarningCritical
	default:
		return WarningEmergency
	}
}

// Admit runs the admission algorithm for an incoming buffer of the given
// byte size: admit directly under the soft limit, evict down to the target
// if over it, and reject if even that cannot bring resident+incoming under
// the hard limit. Evicted entries are returned so the caller (the cache
// facade) can release their buffers outside of any store lock.
func (g *Governor) Admit(ctx context.Context, incoming int64) (evicted []*lru.Entry, err error) {
	g.admissionMu.Lock()
	defer g.admissionMu.Unlock()

	resident := g.resident.Load()

	if g.cfg.MaxEntries > 0 {
		if counter, ok := g.evictor.(EntryCounter); ok {
			for counter.Len() >= g.cfg.MaxEntries {
				e, ok := g.evictor.EvictLRUSkippingPinned()
				if !ok {
					break
				}
				evicted = append(evicted, e)
				resident -= e.ByteSize
				if g.met != nil {
					g.met.evictions.Add(ctx, 1)
				}
			}
		}
	}

	if resident+incoming > g.cfg.HardLimitBytes {
		// Even a maximally evicted cache cannot hold this on its own —
		// check the floor case before doing any work.
		if incoming > g.cfg.HardLimitBytes {
			g.resident.Store(resident)
			g.publishRejected(incoming)
			return evicted, ErrBudgetExhausted
		}
	}

	if resident+incoming <= g.cfg.SoftLimitBytes {
		g.resident.Store(resident + incoming)
		g.publishUsage(resident + incoming)
		if g.met != nil {
			g.met.admissions.Add(ctx, 1)
		}
		return evicted, nil
	}

	for resident+incoming > g.cfg.TargetAfterEvictionBytes {
		e, ok := g.evictor.EvictLRUSkippingPinned()
		if !ok {
			break
		}
		evicted = append(evicted, e)
		resident -= e.ByteSize
		if g.met != nil {
			g.met.evictions.Add(ctx, 1)
		}
	}

	if resident+incoming > g.cfg.HardLimitBytes {
		g.resident.Store(resident)
		g.publishRejected(incoming)
		if g.met != nil {
			g.met.rejections.Add(ctx, 1)
		}
		return evicted, ErrBudgetExhausted
	}

	g.resident.Store(resident + incoming)
	g.publishUsage(resident + incoming)
	if g.met != nil {
		g.met.admissions.Add(ctx, 1)
	}
	return evicted, nil
}

// Release accounts for byte_size leaving residency outside of Admit's own
// eviction loop (e.g. an explicit invalidate or a deferred eviction
// finalized on the last Unpin).
func (g *Governor) Release(byteSize int64) {
	resident := g.resident.Add(-byteSize)
	g.publishUsage(resident)
}

func (g *Governor) publishUsage(resident int64) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{
		Name: eventbus.MemoryUsage,
		Payload: eventbus.MemoryUsagePayload{
			ResidentBytes:  resident,
			HardLimitBytes: g.cfg.HardLimitBytes,
			UsageRatio:     float64(resident) / float64(g.cfg.HardLimitBytes),
			WarningLevel:   g.WarningLevel().String(),
		},
	})
}

func (g *Governor) publishRejected(incoming int64) {
	g.logger.Error("admission rejected: budget exhausted",
		zap.String("incoming", humanize.IBytes(uint64(incoming))),
		zap.String("resident", humanize.IBytes(uint64(g.resident.Load()))),
		zap.String("hard_limit", humanize.IBytes(uint64(g.cfg.HardLimitBytes))))
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{
		Name: eventbus.PerformanceWarning,
		Payload: eventbus.PerformanceWarningPayload{
			Metric:    "budget_exhausted",
			Value:     float64(incoming),
			Threshold: float64(g.cfg.HardLimitBytes),
			Severity:  eventbus.SeverityError,
		},
	})
}

// Run drives the 1-second observability tick and the proactive pause/resume
// condition until ctx is cancelled. It is meant to run on its own goroutine.
func (g *Governor) Run(ctx context.Context) {
	interval := g.cfg.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Governor) tick(ctx context.Context) {
	resident := g.resident.Load()
	g.publishUsage(resident)

	aboveSoft := resident > g.cfg.SoftLimitBytes
	g.mu.Lock()
	if aboveSoft {
		if g.softCrossedAt.IsZero() {
			g.softCrossedAt = time.Now()
		}
	} else {
		g.softCrossedAt = time.Time{}
	}
	sustained := aboveSoft && !g.softCrossedAt.IsZero() && time.Since(g.softCrossedAt) >= g.cfg.GraceInterval
	g.mu.Unlock()

	switch {
	case sustained && g.paused.CompareAndSwap(false, true):
		g.logger.Warn("pausing preload: soft limit sustained", zap.Duration("grace", g.cfg.GraceInterval))
		if g.preload != nil {
			g.preload.Pause("soft_limit_exceeded")
		}
		if g.bus != nil {
			g.bus.Publish(eventbus.Event{Name: eventbus.PreloadPaused, Payload: eventbus.PreloadPausedPayload{Reason: "soft_limit_exceeded"}})
		}
	case resident <= g.cfg.TargetAfterEvictionBytes && g.paused.CompareAndSwap(true, false):
		g.logger.Info("resuming preload: resident back under target")
		if g.preload != nil {
			g.preload.Resume()
		}
		if g.bus != nil {
			g.bus.Publish(eventbus.Event{Name: eventbus.PreloadResumed})
		}
	}

	g.sampleHost(ctx)
}

func (g *Governor) sampleHost(ctx context.Context) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		g.logger.Debug("host memory sample failed", zap.Error(err))
		return
	}
	g.logger.Debug("host memory sample",
		zap.String("cache_resident", humanize.IBytes(uint64(g.resident.Load()))),
		zap.String("host_used", humanize.IBytes(vm.Used)),
		zap.String("host_total", humanize.IBytes(vm.Total)),
		zap.Float64("host_used_percent", vm.UsedPercent))
}

// Paused reports whether the governor currently has preloading paused.
func (g *Governor) Paused() bool {
	return g.paused.Load()
}
