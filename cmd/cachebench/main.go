// Command cachebench drives three of the frame cache's literal scenarios
// (sequential sweep, hot spot, loader failure) against a synthetic loader,
// so the cache's behavior can be inspected without a real video decode
// pipeline or GUI attached. The backward-jump, budget-pressure and
// pin-safety scenarios are not run here.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/framewise/annocache/cache"
	"github.com/framewise/annocache/internal/diskloader"
	"github.com/framewise/annocache/internal/eventbus"
	"github.com/framewise/annocache/internal/frame"
	"github.com/framewise/annocache/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cachebench:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(logging.Config{Development: true, Component: "cachebench"})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	cfg := cache.DefaultConfig()
	cfg.HardLimitBytes = 256 * 1024 * 1024
	cfg.SoftLimitBytes = 230 * 1024 * 1024
	cfg.TargetAfterEvictionBytes = 200 * 1024 * 1024
	cfg.PreloadForward = 100
	cfg.PreloadBack = 25
	cfg.Range = frame.Range{Min: 1, Max: 1_000_000}

	loader := diskloader.NewSynthetic(3*time.Millisecond, 1*1024*1024, 42)

	c, err := cache.New(cfg, loader, cache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("construct cache: %w", err)
	}
	c.Start(ctx)
	defer c.Close()

	c.Events().Subscribe(eventbus.PerformanceWarning, func(ev eventbus.Event) {
		p := ev.Payload.(eventbus.PerformanceWarningPayload)
		logger.Warn("performance_warning", zap.String("metric", p.Metric), zap.Float64("value", p.Value))
	})

	runSequentialSweep(ctx, logger, c)
	runHotSpot(ctx, logger, c)
	runLoaderFailure(ctx, logger, c)

	stats := c.Stats()
	logger.Info("final stats",
		zap.Int64("hits", stats.Hits),
		zap.Int64("misses", stats.Misses),
		zap.Float64("hit_rate", stats.HitRate),
		zap.Int64("evictions", stats.Evictions),
		zap.Int64("resident_bytes", stats.ResidentBytes),
		zap.Int("entry_count", stats.EntryCount),
		zap.String("warning_level", stats.WarningLevel))

	perfStats := c.PerfStats()
	logger.Info("perf stats",
		zap.Float64("p50_ms", perfStats.P50),
		zap.Float64("p95_ms", perfStats.P95),
		zap.Float64("p99_ms", perfStats.P99))

	return nil
}

func runSequentialSweep(ctx context.Context, logger *zap.Logger, c *cache.Cache) {
	logger.Info("scenario: sequential sweep")
	c.Events().Publish(eventbus.Event{
		Name: eventbus.FrameChanged,
		Payload: eventbus.FrameChangedPayload{
			CurrentKey:    frame.Key(100).String(),
			DirectionHint: "forward",
		},
	})
	time.Sleep(500 * time.Millisecond)

	for k := frame.Key(101); k <= 200; k++ {
		b, err := c.Get(ctx, k)
		if err != nil {
			logger.Error("sweep get failed", zap.String("key", k.String()), zap.Error(err))
			continue
		}
		c.Release(b) //nolint:errcheck
	}
}

func runHotSpot(ctx context.Context, logger *zap.Logger, c *cache.Cache) {
	logger.Info("scenario: hot spot")
	for i := 0; i < 1000; i++ {
		b, err := c.Get(ctx, 500)
		if err != nil {
			logger.Error("hotspot get failed", zap.Error(err))
			continue
		}
		c.Release(b) //nolint:errcheck
	}
}

func runLoaderFailure(ctx context.Context, logger *zap.Logger, c *cache.Cache) {
	logger.Info("scenario: loader failure")
	if _, err := c.Get(ctx, 42); err != nil {
		logger.Info("expected loader failure observed", zap.Error(err))
	}
}
