// Package quota tracks per-provider call budgets across independent daily
// and hourly windows.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
)

const (
	dailyWindow  = 24 * time.Hour
	hourlyWindow = time.Hour
)

// Limits configures the call budget for one provider.
type Limits struct {
	Daily  int `mapstructure:"daily"`
	Hourly int `mapstructure:"hourly"`
}

// Config holds the per-provider limit table selected at startup. It is
// immutable after construction; environment profiles (staging vs production)
// are resolved before the tracker is built.
type Config struct {
	Limits map[string]Limits
}

// Tracker owns QuotaRecords and answers admission checks. Checks and
// increments serialize on one mutex, so a check never races a concurrent
// record for the same provider. All tracker state is in memory; the optional
// durable store only receives write-behind increments.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*engine.QuotaRecord
	clock   engine.Clock
	store   engine.QuotaStore
	logger  *zap.Logger
	warned  map[string]struct{}
}

// New builds a Tracker from the limit table. store may be nil for
// single-instance deployments.
func New(cfg Config, clock engine.Clock, store engine.QuotaStore, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	records := make(map[string]*engine.QuotaRecord, len(cfg.Limits))
	for provider, limits := range cfg.Limits {
		records[provider] = &engine.QuotaRecord{
			Provider:      provider,
			DailyLimit:    limits.Daily,
			HourlyLimit:   limits.Hourly,
			DailyResetAt:  now.Add(dailyWindow),
			HourlyResetAt: now.Add(hourlyWindow),
		}
	}
	return &Tracker{
		records: records,
		clock:   clock,
		store:   store,
		logger:  logger,
		warned:  make(map[string]struct{}),
	}
}

// Seed overwrites in-memory counters from the durable store, typically once
// at startup so a restarted instance does not forget budget already spent.
func (t *Tracker) Seed(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	stored, err := t.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load quota records: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range stored {
		local, ok := t.records[rec.Provider]
		if !ok {
			continue
		}
		local.DailyUsed = rec.DailyUsed
		local.HourlyUsed = rec.HourlyUsed
		if !rec.DailyResetAt.IsZero() {
			local.DailyResetAt = rec.DailyResetAt
		}
		if !rec.HourlyResetAt.IsZero() {
			local.HourlyResetAt = rec.HourlyResetAt
		}
	}
	return nil
}

// CanAdmit reports whether both windows have headroom for one more call,
// rolling expired windows forward first. A provider with no configured
// record is admitted unconditionally (fail open) and logged once.
//
// CanAdmit never suspends; it is safe on the hot resolve path.
func (t *Tracker) CanAdmit(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[provider]
	if !ok {
		if _, seen := t.warned[provider]; !seen {
			t.warned[provider] = struct{}{}
			t.logger.Warn("no quota configured for provider, admitting unlimited",
				zap.String("provider", provider))
		}
		return true
	}

	t.rollover(rec)
	return !rec.Exhausted()
}

// Record charges n calls against both windows. It must only be called after
// a real provider call was made, or after an ambiguous outcome where the
// provider may have charged the call anyway.
func (t *Tracker) Record(ctx context.Context, provider string, n int) {
	if n <= 0 {
		n = 1
	}
	t.mu.Lock()
	rec, ok := t.records[provider]
	if ok {
		t.rollover(rec)
		rec.DailyUsed += n
		rec.HourlyUsed += n
	}
	t.mu.Unlock()
	if !ok || t.store == nil {
		return
	}
	// Server-side atomic increment so concurrent instances never lose
	// updates.
	if err := t.store.Increment(ctx, provider, n); err != nil {
		t.logger.Error("quota increment not persisted",
			zap.String("provider", provider), zap.Error(err))
	}
}

// Snapshot returns a read-only copy of the provider's record after rolling
// its windows forward.
func (t *Tracker) Snapshot(provider string) (engine.QuotaRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[provider]
	if !ok {
		return engine.QuotaRecord{}, false
	}
	t.rollover(rec)
	return *rec, true
}

// Snapshots returns read-only copies of every record for dashboards.
func (t *Tracker) Snapshots() []engine.QuotaRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]engine.QuotaRecord, 0, len(t.records))
	for _, rec := range t.records {
		t.rollover(rec)
		out = append(out, *rec)
	}
	return out
}

// rollover resets any expired window and advances its reset time from now.
// Advancing from now rather than from the stored reset time collapses
// multiple missed windows into a single reset: an instance offline for three
// days does not accumulate backfilled capacity. Caller must hold t.mu.
func (t *Tracker) rollover(rec *engine.QuotaRecord) {
	now := t.clock.Now()
	reset := false
	if !now.Before(rec.DailyResetAt) {
		rec.DailyUsed = 0
		rec.DailyResetAt = now.Add(dailyWindow)
		reset = true
	}
	if !now.Before(rec.HourlyResetAt) {
		rec.HourlyUsed = 0
		rec.HourlyResetAt = now.Add(hourlyWindow)
		reset = true
	}
	if reset && t.store != nil {
		go t.persistReset(*rec)
	}
}

func (t *Tracker) persistReset(rec engine.QuotaRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.ResetWindows(ctx, rec); err != nil {
		t.logger.Error("quota window reset not persisted",
			zap.String("provider", rec.Provider), zap.Error(err))
	}
}
