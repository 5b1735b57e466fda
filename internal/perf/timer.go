// Package perf implements the Performance Timer & Alert Bus: the bounded
// ring buffer of get-call latencies, the rolling percentile statistics
// computed over it, and the threshold/hit-rate alerts published to the
// event bus.
package perf

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/framewise/annocache/internal/eventbus"
)

// Sample is one recorded get() call outcome.
type Sample struct {
	Hit       bool
	ElapsedMs float64
	At        time.Time
}

// Stats summarizes a window of samples.
type Stats struct {
	Count   int
	Mean    float64
	P50     float64
	P95     float64
	P99     float64
	Max     float64
	HitRate float64
}

// Config carries the timer's thresholds and ring sizes.
type Config struct {
	RingSize            int
	WarnThresholdMs     float64
	HardThresholdMs     float64
	HitRateWindow       int // minimum samples before cache_hit_rate_low is evaluated
	HitRateFloor        float64
	SustainedViolations int           // number of hard-threshold violations...
	SustainedWithin     time.Duration // ...within this window that triggers corrective action
}

// CorrectiveAction is invoked when sustained hard-threshold violations are
// observed. It must never block: the timer calls it synchronously from
// Record, which itself is called from the foreground get() path.
type CorrectiveAction func()

// Timer is the Performance Timer & Alert Bus. Construct with New.
type Timer struct {
	cfg    Config
	bus    *eventbus.Bus
	logger *zap.Logger
	action CorrectiveAction

	mu       sync.Mutex
	ring     []Sample
	head     int
	size     int
	capacity int

	violations []time.Time

	hist metric.Float64Histogram
}

// New constructs a Timer. meter may be nil to skip OpenTelemetry export.
func New(cfg Config, bus *eventbus.Bus, logger *zap.Logger, action CorrectiveAction, meter metric.Meter) (*Timer, error) {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1000
	}
	if cfg.WarnThresholdMs <= 0 {
		cfg.WarnThresholdMs = 45
	}
	if cfg.HardThresholdMs <= 0 {
		cfg.HardThresholdMs = 50
	}
	if cfg.HitRateWindow <= 0 {
		cfg.HitRateWindow = 200
	}
	if cfg.HitRateFloor <= 0 {
		cfg.HitRateFloor = 0.95
	}
	if cfg.SustainedViolations <= 0 {
		cfg.SustainedViolations = 3
	}
	if cfg.SustainedWithin <= 0 {
		cfg.SustainedWithin = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Timer{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.Named("perf"),
		action:   action,
		ring:     make([]Sample, cfg.RingSize),
		capacity: cfg.RingSize,
	}

	if meter != nil {
		hist, err := meter.Float64Histogram(
			"cache_get_duration_ms",
			metric.WithDescription("Elapsed time of Cache.Get calls, in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, err
		}
		t.hist = hist
	}

	return t, nil
}

// Record appends a sample, records it to OpenTelemetry, and evaluates every
// alert condition in §4.6. It must complete quickly: it is on the
// foreground get() path.
func (t *Timer) Record(ctx context.Context, s Sample) {
	t.mu.Lock()
	t.ring[t.head] = s
	t.head = (t.head + 1) % t.capacity
	if t.size < t.capacity {
		t.size++
	}
	t.mu.Unlock()

	if t.hist != nil {
		t.hist.Record(ctx, s.ElapsedMs, metric.WithAttributes(attribute.Bool("hit", s.Hit)))
	}

	t.evaluateLatency(s)
	t.evaluateHitRate()
}

func (t *Timer) evaluateLatency(s Sample) {
	switch {
	case s.ElapsedMs > t.cfg.HardThresholdMs:
		t.publishWarning("get_latency_ms", s.ElapsedMs, t.cfg.HardThresholdMs, eventbus.SeverityError)
		t.logger.Error("get exceeded hard latency threshold",
			zap.Float64("elapsed_ms", s.ElapsedMs),
			zap.Float64("threshold_ms", t.cfg.HardThresholdMs))
		t.recordViolationAndMaybeAct()
	case s.ElapsedMs > t.cfg.WarnThresholdMs:
		t.publishWarning("get_latency_ms", s.ElapsedMs, t.cfg.WarnThresholdMs, eventbus.SeverityWarning)
		t.logger.Warn("get exceeded warn latency threshold",
			zap.Float64("elapsed_ms", s.ElapsedMs),
			zap.Float64("threshold_ms", t.cfg.WarnThresholdMs))
	}
}

func (t *Timer) recordViolationAndMaybeAct() {
	now := time.Now()
	t.mu.Lock()
	cutoff := now.Add(-t.cfg.SustainedWithin)
	kept := t.violations[:0]
	for _, v := range t.violations {
		if v.After(cutoff) {
			kept = append(kept, v)
		}
	}
	kept = append(kept, now)
	t.violations = kept
	sustained := len(t.violations) >= t.cfg.SustainedViolations
	if sustained {
		t.violations = nil
	}
	t.mu.Unlock()

	if sustained {
		t.logger.Warn("sustained latency violations, triggering corrective action",
			zap.Int("violations", t.cfg.SustainedViolations),
			zap.Duration("within", t.cfg.SustainedWithin))
		if t.action != nil {
			t.action()
		}
		t.publishWarning("sustained_latency_violation", float64(t.cfg.SustainedViolations), float64(t.cfg.SustainedViolations), eventbus.SeverityError)
	}
}

func (t *Timer) evaluateHitRate() {
	stats := t.Stats()
	if stats.Count < t.cfg.HitRateWindow {
		return
	}
	if stats.HitRate < t.cfg.HitRateFloor {
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{
				Name: eventbus.CacheHitRateLow,
				Payload: eventbus.CacheHitRateLowPayload{
					HitRate: stats.HitRate,
					Window:  stats.Count,
				},
			})
		}
	}
}

func (t *Timer) publishWarning(metricName string, value, threshold float64, severity eventbus.Severity) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{
		Name: eventbus.PerformanceWarning,
		Payload: eventbus.PerformanceWarningPayload{
			Metric:    metricName,
			Value:     value,
			Threshold: threshold,
			Severity:  severity,
		},
	})
}

// Stats computes rolling statistics over the entire ring.
func (t *Timer) Stats() Stats {
	t.mu.Lock()
	samples := make([]Sample, t.size)
	copy(samples, t.ring[:t.size])
	t.mu.Unlock()

	return computeStats(samples)
}

// RecentStats computes rolling statistics over the last n samples only.
func (t *Timer) RecentStats(n int) Stats {
	t.mu.Lock()
	if n > t.size {
		n = t.size
	}
	samples := make([]Sample, n)
	// The ring's most recent write is at head-1; walk backward n steps.
	idx := t.head - 1
	for i := n - 1; i >= 0; i-- {
		if idx < 0 {
			idx = t.capacity - 1
		}
		samples[i] = t.ring[idx]
		idx--
	}
	t.mu.Unlock()

	return computeStats(samples)
}

func computeStats(samples []Sample) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	elapsed := make([]float64, len(samples))
	var sum float64
	var hits int
	var max float64
	for i, s := range samples {
		elapsed[i] = s.ElapsedMs
		sum += s.ElapsedMs
		if s.ElapsedMs > max {
			max = s.ElapsedMs
		}
		if s.Hit {
			hits++
		}
	}
	sort.Float64s(elapsed)

	return Stats{
		Count:   len(samples),
		Mean:    sum / float64(len(samples)),
		P50:     percentile(elapsed, 0.50),
		P95:     percentile(elapsed, 0.95),
		P99:     percentile(elapsed, 0.99),
		Max:     max,
		HitRate: float64(hits) / float64(len(samples)),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
