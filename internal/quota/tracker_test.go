package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(t *testing.T, limits map[string]Limits, clock engine.Clock) *Tracker {
	t.Helper()
	return New(Config{Limits: limits}, clock, nil, zap.NewNop())
}

func TestCanAdmitDeniesWhenHourlyExhausted(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	tracker := newTracker(t, map[string]Limits{
		"newsapi": {Daily: 1000, Hourly: 100},
	}, clock)

	for i := 0; i < 100; i++ {
		require.True(t, tracker.CanAdmit("newsapi"))
		tracker.Record(context.Background(), "newsapi", 1)
	}

	// Daily has headroom but hourly is exhausted.
	require.False(t, tracker.CanAdmit("newsapi"))

	rec, ok := tracker.Snapshot("newsapi")
	require.True(t, ok)
	require.Equal(t, 100, rec.HourlyUsed)
	require.Equal(t, 100, rec.DailyUsed)
}

func TestHourlyWindowResetsInsideDailyWindow(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	tracker := newTracker(t, map[string]Limits{
		"newsapi": {Daily: 150, Hourly: 100},
	}, clock)

	for i := 0; i < 100; i++ {
		tracker.Record(context.Background(), "newsapi", 1)
	}
	require.False(t, tracker.CanAdmit("newsapi"))

	clock.Advance(time.Hour)

	// Hourly rolled over, daily still counts the prior usage.
	require.True(t, tracker.CanAdmit("newsapi"))
	rec, ok := tracker.Snapshot("newsapi")
	require.True(t, ok)
	require.Equal(t, 0, rec.HourlyUsed)
	require.Equal(t, 100, rec.DailyUsed)

	for i := 0; i < 50; i++ {
		tracker.Record(context.Background(), "newsapi", 1)
	}
	require.False(t, tracker.CanAdmit("newsapi"))
}

func TestOfflineGapCollapsesIntoSingleReset(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	tracker := newTracker(t, map[string]Limits{
		"social": {Daily: 10, Hourly: 10},
	}, clock)

	tracker.Record(context.Background(), "social", 10)
	require.False(t, tracker.CanAdmit("social"))

	// Three days offline: one reset, no backfilled capacity.
	clock.Advance(72 * time.Hour)
	require.True(t, tracker.CanAdmit("social"))

	rec, ok := tracker.Snapshot("social")
	require.True(t, ok)
	require.Equal(t, 0, rec.DailyUsed)
	require.Equal(t, clock.Now().Add(24*time.Hour), rec.DailyResetAt)
}

func TestUnconfiguredProviderFailsOpen(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	tracker := newTracker(t, map[string]Limits{}, clock)

	for i := 0; i < 1000; i++ {
		require.True(t, tracker.CanAdmit("mystery"))
	}
	_, ok := tracker.Snapshot("mystery")
	require.False(t, ok)
}

func TestAdmittedCallsNeverExceedLimitUnderConcurrency(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	tracker := newTracker(t, map[string]Limits{
		"events": {Daily: 50, Hourly: 50},
	}, clock)

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if tracker.CanAdmit("events") {
				admitted++
				tracker.Record(context.Background(), "events", 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(50), admitted)
	rec, ok := tracker.Snapshot("events")
	require.True(t, ok)
	require.Equal(t, 50, rec.DailyUsed)
}

func TestSnapshotsReturnsAllProviders(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	tracker := newTracker(t, map[string]Limits{
		"newsapi": {Daily: 10, Hourly: 5},
		"social":  {Daily: 20, Hourly: 10},
	}, clock)

	snaps := tracker.Snapshots()
	require.Len(t, snaps, 2)
}

type fakeQuotaStore struct {
	mu         sync.Mutex
	records    map[string]engine.QuotaRecord
	increments []int
}

func (s *fakeQuotaStore) Load(_ context.Context, provider string) (engine.QuotaRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[provider]
	return rec, ok, nil
}

func (s *fakeQuotaStore) Increment(_ context.Context, provider string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments = append(s.increments, n)
	return nil
}

func (s *fakeQuotaStore) ResetWindows(_ context.Context, _ engine.QuotaRecord) error {
	return nil
}

func (s *fakeQuotaStore) All(_ context.Context) ([]engine.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]engine.QuotaRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeQuotaStore) Close() error { return nil }

func TestSeedRestoresCountersFromStore(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	store := &fakeQuotaStore{records: map[string]engine.QuotaRecord{
		"newsapi": {
			Provider:      "newsapi",
			DailyUsed:     40,
			HourlyUsed:    9,
			DailyResetAt:  clock.Now().Add(20 * time.Hour),
			HourlyResetAt: clock.Now().Add(30 * time.Minute),
		},
		"unknown": {Provider: "unknown", DailyUsed: 5},
	}}
	tracker := New(Config{Limits: map[string]Limits{
		"newsapi": {Daily: 100, Hourly: 10},
	}}, clock, store, zap.NewNop())

	require.NoError(t, tracker.Seed(context.Background()))

	rec, ok := tracker.Snapshot("newsapi")
	require.True(t, ok)
	require.Equal(t, 40, rec.DailyUsed)
	require.Equal(t, 9, rec.HourlyUsed)

	tracker.Record(context.Background(), "newsapi", 1)
	require.False(t, tracker.CanAdmit("newsapi"))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, []int{1}, store.increments)
}
