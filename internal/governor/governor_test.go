package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framewise/annocache/internal/eventbus"
	"github.com/framewise/annocache/internal/lru"
)

type fakeEvictor struct {
	entries []*lru.Entry
}

func (f *fakeEvictor) EvictLRUSkippingPinned() (*lru.Entry, bool) {
	if len(f.entries) == 0 {
		return nil, false
	}
	e := f.entries[0]
	f.entries = f.entries[1:]
	return e, true
}

// fakeEvictorWithCount additionally implements EntryCounter, exercising the
// max_entries admission cap independent of byte pressure.
type fakeEvictorWithCount struct {
	fakeEvictor
	resident int
}

func (f *fakeEvictorWithCount) Len() int { return f.resident }

func (f *fakeEvictorWithCount) EvictLRUSkippingPinned() (*lru.Entry, bool) {
	e, ok := f.fakeEvictor.EvictLRUSkippingPinned()
	if ok {
		f.resident--
	}
	return e, ok
}

func newTestGovernor(t *testing.T, cfg Config, evictor Evictor) (*Governor, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil)
	g, err := New(cfg, evictor, bus, nil, nil)
	require.NoError(t, err)
	return g, bus
}

func TestGovernor_AdmitDirectlyUnderSoftLimit(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{
		HardLimitBytes:           100,
		SoftLimitBytes:           80,
		TargetAfterEvictionBytes: 70,
	}, &fakeEvictor{})

	evicted, err := g.Admit(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, int64(50), g.ResidentBytes())
}

func TestGovernor_AdmitEvictsDownToTarget(t *testing.T) {
	t.Parallel()
	evictor := &fakeEvictor{entries: []*lru.Entry{
		{Key: 1, ByteSize: 20},
		{Key: 2, ByteSize: 20},
	}}
	g, _ := newTestGovernor(t, Config{
		HardLimitBytes:           100,
		SoftLimitBytes:           50,
		TargetAfterEvictionBytes: 40,
	}, evictor)

	// Prime resident bytes up to the soft limit by a direct admit first.
	_, err := g.Admit(context.Background(), 50)
	require.NoError(t, err)

	evicted, err := g.Admit(context.Background(), 30)
	require.NoError(t, err)
	assert.Len(t, evicted, 2, "must evict until resident+incoming <= target")
	assert.LessOrEqual(t, g.ResidentBytes(), int64(100))
}

func TestGovernor_AdmitRejectsWhenNoEvictableRoom(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{
		HardLimitBytes:           100,
		SoftLimitBytes:           50,
		TargetAfterEvictionBytes: 40,
	}, &fakeEvictor{})

	_, err := g.Admit(context.Background(), 90)
	require.NoError(t, err)

	_, err = g.Admit(context.Background(), 50)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestGovernor_SingleBufferExceedingHardLimitIsRejected(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{
		HardLimitBytes:           100,
		SoftLimitBytes:           80,
		TargetAfterEvictionBytes: 70,
	}, &fakeEvictor{})

	_, err := g.Admit(context.Background(), 150)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestGovernor_AdmitEnforcesMaxEntriesRegardlessOfBytes(t *testing.T) {
	t.Parallel()
	evictor := &fakeEvictorWithCount{
		fakeEvictor: fakeEvictor{entries: []*lru.Entry{
			{Key: 1, ByteSize: 1},
		}},
		resident: 2,
	}
	g, _ := newTestGovernor(t, Config{
		HardLimitBytes:           1000,
		SoftLimitBytes:           1000,
		TargetAfterEvictionBytes: 1000,
		MaxEntries:               2,
	}, evictor)

	evicted, err := g.Admit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, evicted, 1, "must evict to stay at or under max_entries even though bytes are nowhere near the limit")
}

func TestGovernor_WarningLevelBands(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{
		HardLimitBytes:           100,
		SoftLimitBytes:           90,
		TargetAfterEvictionBytes: 85,
	}, &fakeEvictor{})

	cases := []struct {
		resident int64
		want     WarningLevel
	}{
		{50, WarningNormal},
		{80, WarningCaution},
		{92, WarningWarningLevel},
		{97, WarningCritical},
		{101, WarningEmergency},
	}
	for _, tc := range cases {
		g.resident.Store(tc.resident)
		assert.Equal(t, tc.want, g.WarningLevel(), "resident=%d", tc.resident)
	}
}

type fakePreload struct {
	paused  int
	resumed int
	reason  string
}

func (f *fakePreload) Pause(reason string) { f.paused++; f.reason = reason }
func (f *fakePreload) Resume()             { f.resumed++ }

func TestGovernor_TickPausesAfterSustainedOverage(t *testing.T) {
	t.Parallel()
	g, _ := newTestGovernor(t, Config{
		HardLimitBytes:           100,
		SoftLimitBytes:           50,
		TargetAfterEvictionBytes: 40,
		GraceInterval:            1 * time.Millisecond,
	}, &fakeEvictor{})
	fp := &fakePreload{}
	g.SetPreloadController(fp)

	g.resident.Store(60)
	g.tick(context.Background())
	assert.Equal(t, 0, fp.paused, "must not pause before grace interval elapses")

	time.Sleep(2 * time.Millisecond)
	g.tick(context.Background())
	assert.Equal(t, 1, fp.paused)
	assert.True(t, g.Paused())

	g.resident.Store(30)
	g.tick(context.Background())
	assert.Equal(t, 1, fp.resumed)
	assert.False(t, g.Paused())
}
