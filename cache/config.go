// Package cache implements the Cache Facade: the single entry point that
// wires the Ordered LRU Store, the Memory Governor, the Access Predictor,
// the Preload Scheduler, and the Performance Timer & Alert Bus into the
// get/put/release/invalidate surface the annotation tool's video layer
// talks to.
package cache

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/framewise/annocache/internal/frame"
)

// Config carries every tunable in the configuration surface as exported
// fields with env/envDefault struct tags, loaded via LoadConfigFromEnv. The
// zero value is not valid; always go through DefaultConfig or
// LoadConfigFromEnv so the envDefault values are applied.
type Config struct {
	HardLimitBytes           int64 `env:"CACHE_HARD_LIMIT_BYTES" envDefault:"21474836480"`
	SoftLimitBytes           int64 `env:"CACHE_SOFT_LIMIT_BYTES" envDefault:"19327352832"`
	TargetAfterEvictionBytes int64 `env:"CACHE_TARGET_AFTER_EVICTION_BYTES" envDefault:"18253611008"`
	MaxEntries               int   `env:"CACHE_MAX_ENTRIES" envDefault:"200"`

	PreloadBack      int64 `env:"CACHE_PRELOAD_BACK" envDefault:"25"`
	PreloadForward   int64 `env:"CACHE_PRELOAD_FORWARD" envDefault:"75"`
	NearWindow       int64 `env:"CACHE_NEAR_WINDOW" envDefault:"10"`
	WorkerCount      int   `env:"CACHE_WORKER_COUNT" envDefault:"4"`
	PrefetchDeadline time.Duration `env:"CACHE_PREFETCH_DEADLINE" envDefault:"500ms"`

	FrameSwitchBudgetMs int64   `env:"CACHE_FRAME_SWITCH_BUDGET_MS" envDefault:"50"`
	WarnThresholdMs     float64 `env:"CACHE_WARN_THRESHOLD_MS" envDefault:"45"`
	HardThresholdMs     float64 `env:"CACHE_HARD_THRESHOLD_MS" envDefault:"50"`
	HitRateWindow       int     `env:"CACHE_HIT_RATE_WINDOW" envDefault:"200"`
	HitRateFloor        float64 `env:"CACHE_HIT_RATE_FLOOR" envDefault:"0.95"`
	SustainedViolations int     `env:"CACHE_SUSTAINED_VIOLATIONS" envDefault:"3"`
	SustainedWithin     time.Duration `env:"CACHE_SUSTAINED_WITHIN" envDefault:"10s"`
	PerfRingSize        int     `env:"CACHE_PERF_RING_SIZE" envDefault:"1000"`

	PredictorWindow      int           `env:"CACHE_PREDICTOR_WINDOW" envDefault:"64"`
	PredictorRecencyTTL  time.Duration `env:"CACHE_PREDICTOR_RECENCY_TTL" envDefault:"30s"`

	GraceInterval time.Duration `env:"CACHE_GRACE_INTERVAL" envDefault:"200ms"`
	TickInterval  time.Duration `env:"CACHE_TICK_INTERVAL" envDefault:"1s"`

	PanicOnDoubleRelease bool `env:"CACHE_PANIC_ON_DOUBLE_RELEASE" envDefault:"false"`

	// Range is not environment-configurable; it is set at construction and
	// reset whenever a project_opened event arrives.
	Range frame.Range
}

// DefaultConfig returns a Config with every envDefault applied and a
// permissive frame range, bypassing the environment entirely. Useful for
// tests and the demo binary's fallback path.
func DefaultConfig() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		// envDefault values are fixed literals; only a programming error
		// (a malformed tag) could make this fail.
		panic(fmt.Sprintf("cache: default config failed to parse: %v", err))
	}
	cfg.Range = frame.Range{Min: 0, Max: 999999}
	return cfg
}

// LoadConfigFromEnv builds a Config from environment variables, falling
// back to the envDefault tags for anything unset. Callers that need a
// bounded frame range must set cfg.Range themselves afterward — it has no
// environment binding since it is normally discovered from the opened
// project, not deployment configuration.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{})
	if err != nil {
		return Config{}, fmt.Errorf("cache: parse config from environment: %w", err)
	}
	cfg.Range = frame.Range{Min: 0, Max: 999999}
	return cfg, nil
}

// Validate rejects configuration combinations the cache cannot operate
// under, before any component is constructed from it.
func (c Config) Validate() error {
	if c.HardLimitBytes <= 0 {
		return fmt.Errorf("cache: hard_limit_bytes must be positive")
	}
	if c.SoftLimitBytes > c.HardLimitBytes {
		return fmt.Errorf("cache: soft_limit_bytes (%d) exceeds hard_limit_bytes (%d)", c.SoftLimitBytes, c.HardLimitBytes)
	}
	if c.TargetAfterEvictionBytes > c.SoftLimitBytes {
		return fmt.Errorf("cache: target_after_eviction_bytes (%d) exceeds soft_limit_bytes (%d)", c.TargetAfterEvictionBytes, c.SoftLimitBytes)
	}
	if c.TargetAfterEvictionBytes <= 0 {
		return fmt.Errorf("cache: target_after_eviction_bytes must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("cache: worker_count must be positive")
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("cache: max_entries must not be negative")
	}
	if c.Range.Max < c.Range.Min {
		return fmt.Errorf("cache: frame range max (%d) below min (%d)", c.Range.Max, c.Range.Min)
	}
	if c.WarnThresholdMs > c.HardThresholdMs {
		return fmt.Errorf("cache: warn_threshold_ms (%v) exceeds hard_threshold_ms (%v)", c.WarnThresholdMs, c.HardThresholdMs)
	}
	if c.HitRateFloor < 0 || c.HitRateFloor > 1 {
		return fmt.Errorf("cache: hit_rate_floor must be within [0,1]")
	}
	return nil
}
