// Package cache implements the two-tier layered cache store: a fast local
// tier backed by a durable shared tier.
package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/metrics"
)

// Config controls layered store behavior.
type Config struct {
	// EvictionGraceMultiplier stretches the hard TTL before the sweep removes
	// an entry, so expired entries stay available as degraded fallbacks.
	EvictionGraceMultiplier float64
}

const defaultGraceMultiplier = 3.0

// Store coordinates the local and shared tiers. The shared tier is the
// durable source of truth; the local tier is volatile and may be empty on
// cold start. Shared-tier failures never block the local path.
type Store struct {
	local  engine.CacheTier
	shared engine.CacheTier
	clock  engine.Clock
	logger *zap.Logger
	cfg    Config
}

// New builds a Store. shared may be nil for local-only deployments.
func New(local, shared engine.CacheTier, clock engine.Clock, logger *zap.Logger, cfg Config) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EvictionGraceMultiplier < 1 {
		cfg.EvictionGraceMultiplier = defaultGraceMultiplier
	}
	return &Store{
		local:  local,
		shared: shared,
		clock:  clock,
		logger: logger,
		cfg:    cfg,
	}
}

// Get checks the local tier first and falls back to the shared tier on miss.
// A valid shared hit is back-filled into the local tier before returning.
// Expired entries are still returned: validity is the caller's branch, and
// stale entries feed the degraded path. Shared-tier errors degrade to a
// local-only miss and are logged.
func (s *Store) Get(ctx context.Context, key string) (engine.CacheEntry, bool) {
	entry, ok, err := s.local.Get(ctx, key)
	if err != nil {
		s.logger.Error("local tier read failed", zap.String("key", key), zap.Error(err))
	}
	metrics.ObserveCacheLookup(string(engine.TierLocal), ok)
	if ok {
		entry.Tier = engine.TierLocal
		return entry, true
	}
	if s.shared == nil {
		return engine.CacheEntry{}, false
	}

	entry, ok, err = s.shared.Get(ctx, key)
	if err != nil {
		s.logger.Error("shared tier read failed, serving local-only",
			zap.String("key", key), zap.Error(err))
		return engine.CacheEntry{}, false
	}
	metrics.ObserveCacheLookup(string(engine.TierShared), ok)
	if !ok {
		return engine.CacheEntry{}, false
	}
	entry.Tier = engine.TierShared

	if entry.Valid(s.clock.Now()) {
		if err := s.local.Put(ctx, entry); err != nil {
			s.logger.Warn("local back-fill failed", zap.String("key", key), zap.Error(err))
		}
	}
	return entry, true
}

// Put validates the payload, scores its quality, and writes the entry
// through both tiers. The local write always proceeds; a shared-tier
// failure is logged but never blocks local availability.
func (s *Store) Put(
	ctx context.Context,
	key string,
	contentType engine.ContentType,
	payload []byte,
	ttl time.Duration,
	source string,
) (engine.CacheEntry, error) {
	if err := engine.ValidatePayload(contentType, payload); err != nil {
		return engine.CacheEntry{}, fmt.Errorf("validate payload: %w", err)
	}
	now := s.clock.Now()
	entry := engine.CacheEntry{
		Key:          key,
		ContentType:  contentType,
		Payload:      payload,
		CreatedAt:    now,
		TTL:          ttl,
		Source:       source,
		QualityScore: engine.QualityScore(payload, now),
	}

	if err := s.local.Put(ctx, entry); err != nil {
		return engine.CacheEntry{}, fmt.Errorf("local tier write: %w", err)
	}
	if s.shared != nil {
		if err := s.shared.Put(ctx, entry); err != nil {
			s.logger.Error("shared tier write failed, entry is local-only",
				zap.String("key", key), zap.Error(err))
		}
	}
	return entry, nil
}

// ShouldRefresh reports whether the entry for key wants a proactive refresh:
// either no valid entry exists, or the entry's age exceeds the priority's
// soft-refresh interval even though its hard TTL has not expired. Only the
// local tier is consulted, so this never suspends.
func (s *Store) ShouldRefresh(ctx context.Context, key string, priority engine.Priority) bool {
	entry, ok, err := s.local.Get(ctx, key)
	if err != nil || !ok {
		return true
	}
	now := s.clock.Now()
	if !entry.Valid(now) {
		return true
	}
	return entry.Age(now) >= priority.RefreshInterval()
}

// Invalidate removes matching entries from both tiers concurrently and
// returns the total removed.
func (s *Store) Invalidate(ctx context.Context, pattern string) (int, error) {
	var localRemoved, sharedRemoved int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.local.Invalidate(gctx, pattern)
		localRemoved = n
		return err
	})
	if s.shared != nil {
		g.Go(func() error {
			n, err := s.shared.Invalidate(gctx, pattern)
			sharedRemoved = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return localRemoved + sharedRemoved, fmt.Errorf("invalidate pattern %q: %w", pattern, err)
	}
	return localRemoved + sharedRemoved, nil
}

// Sweep evicts entries past their grace boundary from both tiers and
// returns the total removed. Meant to run as a recurring scheduler job.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	total := 0
	n, err := s.local.Evict(ctx, now, s.cfg.EvictionGraceMultiplier)
	total += n
	if err != nil {
		return total, fmt.Errorf("local tier evict: %w", err)
	}
	if s.shared != nil {
		n, err = s.shared.Evict(ctx, now, s.cfg.EvictionGraceMultiplier)
		total += n
		if err != nil {
			// Local eviction already happened; report the shared failure.
			return total, fmt.Errorf("shared tier evict: %w", err)
		}
	}
	metrics.ObserveEvictions(total)
	return total, nil
}

// Close releases both tiers.
func (s *Store) Close() error {
	if err := s.local.Close(); err != nil {
		return fmt.Errorf("close local tier: %w", err)
	}
	if s.shared != nil {
		if err := s.shared.Close(); err != nil {
			return fmt.Errorf("close shared tier: %w", err)
		}
	}
	return nil
}
