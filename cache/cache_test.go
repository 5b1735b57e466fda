package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewise/annocache/internal/diskloader"
	"github.com/framewise/annocache/internal/eventbus"
	"github.com/framewise/annocache/internal/frame"
)

const mib = 1 << 20

func testConfig(t *testing.T, hardLimit int64) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HardLimitBytes = hardLimit
	cfg.SoftLimitBytes = hardLimit * 9 / 10
	cfg.TargetAfterEvictionBytes = hardLimit * 8 / 10
	cfg.Range = frame.Range{Min: 1, Max: 1_000_000}
	cfg.WorkerCount = 2
	return cfg
}

func mustNew(t *testing.T, cfg Config, loader Loader) *Cache {
	t.Helper()
	c, err := New(cfg, loader)
	require.NoError(t, err)
	return c
}

// countingLoader wraps SyntheticLoader and counts invocations per key, for
// the single-flight coalescing property.
type countingLoader struct {
	inner *diskloader.SyntheticLoader
	mu    sync.Mutex
	calls map[frame.Key]int
}

func newCountingLoader(latency time.Duration, frameSize int64) *countingLoader {
	return &countingLoader{
		inner: diskloader.NewSynthetic(latency, frameSize),
		calls: make(map[frame.Key]int),
	}
}

func (l *countingLoader) Load(ctx context.Context, key frame.Key) (frame.Buffer, error) {
	l.mu.Lock()
	l.calls[key]++
	l.mu.Unlock()
	return l.inner.Load(ctx, key)
}

func (l *countingLoader) callsFor(key frame.Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key]
}

func TestCache_SequentialSweepIsAllHitsAfterPreload(t *testing.T) {
	t.Parallel()
	loader := newCountingLoader(2*time.Millisecond, 1*mib)
	cfg := testConfig(t, 1*1024*mib)
	cfg.PreloadForward = 100
	cfg.PreloadBack = 25
	c := mustNew(t, cfg, loader)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Close()

	c.Events().Publish(eventbus.Event{
		Name: eventbus.FrameChanged,
		Payload: eventbus.FrameChangedPayload{
			CurrentKey:    frame.Key(100).String(),
			DirectionHint: "forward",
		},
	})
	time.Sleep(500 * time.Millisecond)

	for k := frame.Key(101); k <= 200; k++ {
		start := time.Now()
		b, err := c.Get(ctx, k)
		elapsed := time.Since(start)
		require.NoError(t, err)
		assert.LessOrEqual(t, elapsed, 5*time.Millisecond, "key %s", k)
		require.NoError(t, c.Release(b))
	}

	stats := c.Stats()
	assert.Equal(t, int64(100), stats.Hits)
	assert.Equal(t, int64(0), stats.Evictions)
	assert.GreaterOrEqual(t, stats.ResidentBytes, int64(100*mib))
	assert.LessOrEqual(t, stats.ResidentBytes, int64(200*mib))
}

func TestCache_BackwardJumpAfterSweep(t *testing.T) {
	t.Parallel()
	loader := newCountingLoader(2*time.Millisecond, 1*mib)
	cfg := testConfig(t, 1*1024*mib)
	c := mustNew(t, cfg, loader)
	ctx := context.Background()
	c.Start(ctx)
	defer c.Close()

	c.Events().Publish(eventbus.Event{
		Name:    eventbus.FrameChanged,
		Payload: eventbus.FrameChangedPayload{CurrentKey: frame.Key(100).String(), DirectionHint: "forward"},
	})
	time.Sleep(200 * time.Millisecond)

	c.Events().Publish(eventbus.Event{
		Name: eventbus.FrameChanged,
		Payload: eventbus.FrameChangedPayload{
			CurrentKey:    frame.Key(50).String(),
			PreviousKey:   frame.Key(200).String(),
			DirectionHint: "backward",
		},
	})
	time.Sleep(500 * time.Millisecond)

	hits := 0
	for k := frame.Key(49); k >= 1; k-- {
		start := time.Now()
		b, err := c.Get(ctx, k)
		elapsed := time.Since(start)
		require.LessOrEqual(t, elapsed, 50*time.Millisecond)
		if err == nil {
			hits++
			require.NoError(t, c.Release(b))
		}
	}
	assert.GreaterOrEqual(t, hits, 47) // >= 95% of 49
}

func TestCache_HotSpotIsAllHitsAfterFirstMiss(t *testing.T) {
	t.Parallel()
	loader := newCountingLoader(0, 1*mib)
	c := mustNew(t, testConfig(t, 100*mib), loader)
	ctx := context.Background()

	key := frame.Key(500)
	for i := 0; i < 1000; i++ {
		b, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.NoError(t, c.Release(b))
	}

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(999), stats.Hits)
	assert.GreaterOrEqual(t, stats.HitRate, 0.999)
	assert.Equal(t, int64(0), stats.Evictions)
}

func TestCache_BudgetPressureEvictsDownToTenEntries(t *testing.T) {
	t.Parallel()
	loader := newCountingLoader(0, 10*mib)
	cfg := testConfig(t, 100*mib)
	c := mustNew(t, cfg, loader)
	ctx := context.Background()

	for k := frame.Key(1); k <= 100; k++ {
		b, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.NoError(t, c.Release(b))
		assert.LessOrEqual(t, c.Stats().ResidentBytes, int64(100*mib))
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.EntryCount, 10)
	assert.GreaterOrEqual(t, stats.Evictions, int64(90))

	for k := frame.Key(93); k <= 100; k++ {
		_, ok := c.store.Peek(k)
		assert.True(t, ok, "key %s should still be resident", k)
	}
}

func TestCache_MaxEntriesCapsResidencyRegardlessOfByteBudget(t *testing.T) {
	t.Parallel()
	loader := newCountingLoader(0, 1)
	cfg := testConfig(t, 1*1024*mib) // bytes are nowhere near a constraint
	cfg.MaxEntries = 5
	c := mustNew(t, cfg, loader)
	ctx := context.Background()

	for k := frame.Key(1); k <= 20; k++ {
		b, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.NoError(t, c.Release(b))
	}

	assert.LessOrEqual(t, c.Stats().EntryCount, 5, "max_entries must cap residency even with an untouched byte budget")
}

var errLoaderFailure = errors.New("loader failure")

type failingKeyLoader struct {
	inner  *diskloader.SyntheticLoader
	failOn frame.Key
}

func (l *failingKeyLoader) Load(ctx context.Context, key frame.Key) (frame.Buffer, error) {
	if key == l.failOn {
		return frame.Buffer{}, fmt.Errorf("%w: %s", errLoaderFailure, key)
	}
	return l.inner.Load(ctx, key)
}

func TestCache_LoaderFailureReturnsNotFoundAndWarns(t *testing.T) {
	t.Parallel()
	loader := &failingKeyLoader{inner: diskloader.NewSynthetic(0, 1*mib), failOn: 42}
	c := mustNew(t, testConfig(t, 100*mib), loader)
	ctx := context.Background()

	var warnings int32
	c.Events().Subscribe(eventbus.PerformanceWarning, func(ev eventbus.Event) {
		p := ev.Payload.(eventbus.PerformanceWarningPayload)
		if p.Severity == eventbus.SeverityWarning || p.Severity == eventbus.SeverityError {
			atomic.AddInt32(&warnings, 1)
		}
	})

	start := time.Now()
	_, err := c.Get(ctx, 42)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.LessOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&warnings), int32(0), "loader failure must publish a performance_warning")

	b, err := c.Get(ctx, 43)
	require.NoError(t, err)
	require.NoError(t, c.Release(b))
}

func TestCache_PinSafetyProtectsBorrowedEntryFromEviction(t *testing.T) {
	t.Parallel()
	loader := newCountingLoader(0, 10*mib)
	cfg := testConfig(t, 100*mib)
	c := mustNew(t, cfg, loader)
	ctx := context.Background()

	pinned, err := c.Get(ctx, 10)
	require.NoError(t, err)

	for k := frame.Key(11); k <= 30; k++ {
		b, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.NoError(t, c.Release(b))
	}

	_, ok := c.store.Peek(10)
	assert.True(t, ok, "pinned entry must remain resident under pressure")

	require.NoError(t, c.Release(pinned))

	for k := frame.Key(31); k <= 40; k++ {
		b, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.NoError(t, c.Release(b))
	}
}

func TestCache_ConcurrentGetsOnMissingKeyTriggerOneLoad(t *testing.T) {
	t.Parallel()
	loader := newCountingLoader(20*time.Millisecond, 1*mib)
	c := mustNew(t, testConfig(t, 100*mib), loader)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	borrows := make([]*Borrow, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			borrows[i], errs[i] = c.Get(ctx, 7)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NoError(t, c.Release(borrows[i]))
	}
	assert.Equal(t, 1, loader.callsFor(7))
}

func TestCache_PutThenGetRoundTrips(t *testing.T) {
	t.Parallel()
	c := mustNew(t, testConfig(t, 100*mib), newCountingLoader(0, 1*mib))
	ctx := context.Background()

	buf := frame.Buffer{Key: 5, Width: 4, Height: 4, Channels: frame.ChannelsRGB, Data: []byte{1, 2, 3, 4}}
	require.NoError(t, c.Put(ctx, buf))

	b, err := c.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, buf.Data, b.Buffer().Data)
	require.NoError(t, c.Release(b))
}

func TestCache_GetReleaseGetIsHitOnSecondCall(t *testing.T) {
	t.Parallel()
	c := mustNew(t, testConfig(t, 100*mib), newCountingLoader(0, 1*mib))
	ctx := context.Background()

	b1, err := c.Get(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, c.Release(b1))

	before := c.Stats().Hits
	b2, err := c.Get(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, c.Release(b2))
	assert.Equal(t, before+1, c.Stats().Hits)
}

func TestCache_InvalidateThenGetIsMiss(t *testing.T) {
	t.Parallel()
	c := mustNew(t, testConfig(t, 100*mib), newCountingLoader(0, 1*mib))
	ctx := context.Background()

	b, err := c.Get(ctx, 11)
	require.NoError(t, err)
	require.NoError(t, c.Release(b))

	c.Invalidate(11)

	missesBefore := c.Stats().Misses
	b2, err := c.Get(ctx, 11)
	require.NoError(t, err)
	require.NoError(t, c.Release(b2))
	assert.Equal(t, missesBefore+1, c.Stats().Misses)
}

func TestCache_DoubleReleaseReturnsError(t *testing.T) {
	t.Parallel()
	c := mustNew(t, testConfig(t, 100*mib), newCountingLoader(0, 1*mib))
	ctx := context.Background()

	b, err := c.Get(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, c.Release(b))
	err = c.Release(b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDoubleRelease))
}

func TestCache_GetOutsideConfiguredRangeIsInvalidKey(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 100*mib)
	cfg.Range = frame.Range{Min: 1, Max: 10}
	c := mustNew(t, cfg, newCountingLoader(0, 1*mib))

	_, err := c.Get(context.Background(), 11)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestCache_ProjectOpenedClearsAndResetsRange(t *testing.T) {
	t.Parallel()
	c := mustNew(t, testConfig(t, 100*mib), newCountingLoader(0, 1*mib))
	ctx := context.Background()

	b, err := c.Get(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, c.Release(b))
	assert.Equal(t, 1, c.Stats().EntryCount)

	c.Events().Publish(eventbus.Event{
		Name:    eventbus.ProjectOpened,
		Payload: eventbus.ProjectOpenedPayload{RangeMin: 2000, RangeMax: 3000},
	})

	assert.Equal(t, 0, c.Stats().EntryCount)
	_, err = c.Get(ctx, 5)
	assert.True(t, errors.Is(err, ErrInvalidKey))

	b2, err := c.Get(ctx, 2500)
	require.NoError(t, err)
	require.NoError(t, c.Release(b2))
}

func TestCache_OversizedBufferIsRejected(t *testing.T) {
	t.Parallel()
	c := mustNew(t, testConfig(t, 10*mib), newCountingLoader(0, 100*mib))
	_, err := c.Get(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted) || errors.Is(err, ErrNotFound))
}
