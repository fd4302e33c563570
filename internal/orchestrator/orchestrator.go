// Package orchestrator is the single entry point for content resolution. It
// consults the quota tracker and the layered cache, enrolls admitted fetches
// in the coalescer, and returns every outcome as a Result with explicit
// provenance.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/cache"
	"github.com/pulsewire/content-engine/internal/coalesce"
	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/metrics"
	"github.com/pulsewire/content-engine/internal/quota"
)

// Config controls resolution behavior.
type Config struct {
	// DefaultTTL is the hard validity window written on fresh entries when
	// the content type has no override.
	DefaultTTL time.Duration
	// TTLByType overrides DefaultTTL per content type.
	TTLByType map[engine.ContentType]time.Duration
	// BatchWindow is how long the batcher holds a group open to merge
	// overlapping keyword sets into one upstream call.
	BatchWindow time.Duration
	// RefreshTimeout bounds the background proactive refresh.
	RefreshTimeout time.Duration
	// EventTopic receives refresh and degradation events.
	EventTopic string
}

const (
	defaultTTL            = 6 * time.Hour
	defaultBatchWindow    = 250 * time.Millisecond
	defaultRefreshTimeout = 30 * time.Second
)

// Deps are the collaborators the Engine coordinates.
type Deps struct {
	Cache     *cache.Store
	Quota     *quota.Tracker
	Fetcher   engine.ProviderFetcher
	Publisher engine.Publisher
	Clock     engine.Clock
	Logger    *zap.Logger
}

// Engine resolves content buckets. It is an explicit value: construct one
// per process and share it; there is no package-level instance.
type Engine struct {
	cache     *cache.Store
	quota     *quota.Tracker
	fetcher   engine.ProviderFetcher
	publisher engine.Publisher
	coalescer *coalesce.Coalescer
	batcher   *coalesce.Batcher
	clock     engine.Clock
	logger    *zap.Logger
	cfg       Config

	cacheHits    atomic.Int64
	cacheMisses  atomic.Int64
	freshFetches atomic.Int64
	degradations atomic.Int64
	errs         atomic.Int64
}

// New assembles an Engine from its collaborators.
func New(deps Deps, cfg Config) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = defaultBatchWindow
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	e := &Engine{
		cache:     deps.Cache,
		quota:     deps.Quota,
		fetcher:   deps.Fetcher,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    deps.Logger,
		cfg:       cfg,
	}
	e.coalescer = coalesce.New(deps.Clock, deps.Logger)
	e.batcher = coalesce.NewBatcher(cfg.BatchWindow, e.executeUnion, deps.Logger)
	return e
}

// Resolve returns the bucket's content with explicit provenance. A TTL-valid
// cache entry always wins outright; quota is checked before any network
// attempt; coalescing happens only on the admitted path. Denied and degraded
// outcomes are results, not errors.
func (e *Engine) Resolve(ctx context.Context, bucket engine.ContentBucket) (engine.Result, error) {
	if err := validateBucket(bucket); err != nil {
		e.errs.Add(1)
		metrics.ObserveResolve(string(engine.ProvenanceError))
		return engine.Result{Provenance: engine.ProvenanceError}, err
	}

	key := engine.CacheKey(bucket)
	entry, found := e.cache.Get(ctx, key)
	now := e.clock.Now()

	if found && entry.Valid(now) {
		if e.cache.ShouldRefresh(ctx, key, bucket.Priority) {
			go e.proactiveRefresh(bucket, key)
		}
		e.cacheHits.Add(1)
		metrics.ObserveResolve(string(engine.ProvenanceCached))
		return resultFrom(entry, engine.ProvenanceCached), nil
	}
	e.cacheMisses.Add(1)

	if !e.quota.CanAdmit(bucket.Provider) {
		metrics.ObserveQuotaDenied(bucket.Provider)
		if found {
			return e.degrade(ctx, bucket, key, entry), nil
		}
		e.errs.Add(1)
		metrics.ObserveResolve(string(engine.ProvenanceError))
		return engine.Result{Provenance: engine.ProvenanceError},
			fmt.Errorf("%w: quota exhausted for %q and no cached fallback", engine.ErrNoData, bucket.Provider)
	}

	payload, err := e.coalescer.Enroll(ctx, key, func(fctx context.Context) ([]byte, error) {
		return e.fetchAndStore(fctx, bucket, key)
	})
	if err != nil {
		if found {
			return e.degrade(ctx, bucket, key, entry), nil
		}
		e.errs.Add(1)
		metrics.ObserveResolve(string(engine.ProvenanceError))
		return engine.Result{Provenance: engine.ProvenanceError}, err
	}

	e.freshFetches.Add(1)
	metrics.ObserveResolve(string(engine.ProvenanceFresh))
	return engine.Result{
		Payload:    payload,
		Provenance: engine.ProvenanceFresh,
		Source:     bucket.Provider,
		Quality:    engine.QualityScore(payload, e.clock.Now()),
		CreatedAt:  e.clock.Now(),
	}, nil
}

// BatchRefresh resolves the bucket through the grouping batcher: overlapping
// keyword sets for the same provider within the window share one upstream
// call, and each bucket caches its own slice of the union response. This is
// the explicit-refresh path; Resolve never batches across buckets.
func (e *Engine) BatchRefresh(ctx context.Context, bucket engine.ContentBucket) (engine.Result, error) {
	if err := validateBucket(bucket); err != nil {
		e.errs.Add(1)
		metrics.ObserveResolve(string(engine.ProvenanceError))
		return engine.Result{Provenance: engine.ProvenanceError}, err
	}

	key := engine.CacheKey(bucket)
	payload, err := e.batcher.Submit(ctx, bucket)
	if err != nil {
		if entry, found := e.cache.Get(ctx, key); found {
			return e.degrade(ctx, bucket, key, entry), nil
		}
		e.errs.Add(1)
		metrics.ObserveResolve(string(engine.ProvenanceError))
		return engine.Result{Provenance: engine.ProvenanceError}, err
	}

	entry, perr := e.cache.Put(ctx, key, bucket.ContentType, payload, e.ttlFor(bucket.ContentType), bucket.Provider)
	if perr != nil {
		e.errs.Add(1)
		metrics.ObserveResolve(string(engine.ProvenanceError))
		return engine.Result{Provenance: engine.ProvenanceError},
			fmt.Errorf("cache batch slice: %w", perr)
	}

	e.freshFetches.Add(1)
	metrics.ObserveResolve(string(engine.ProvenanceFresh))
	e.publishEvent(ctx, "refresh", bucket, key, entry.QualityScore)
	return resultFrom(entry, engine.ProvenanceFresh), nil
}

// Invalidate removes matching entries from both tiers.
func (e *Engine) Invalidate(ctx context.Context, pattern string) (int, error) {
	return e.cache.Invalidate(ctx, pattern)
}

// Sweep removes entries past their grace window from both tiers.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.cache.Sweep(ctx)
}

// Quotas returns the current per-provider quota snapshots.
func (e *Engine) Quotas() []engine.QuotaRecord {
	return e.quota.Snapshots()
}

// Stats returns the resolution counter snapshot.
func (e *Engine) Stats() engine.EngineStats {
	return engine.EngineStats{
		CacheHits:    e.cacheHits.Load(),
		CacheMisses:  e.cacheMisses.Load(),
		FreshFetches: e.freshFetches.Load(),
		Degradations: e.degradations.Load(),
		Errors:       e.errs.Load(),
	}
}

// fetchAndStore runs exactly once per open batch: the coalescer guarantees
// concurrent callers for the same key share this call. The quota charge also
// happens here so a fan-out of N callers costs one unit, and an ambiguous
// timeout is charged conservatively since the provider may have billed it.
func (e *Engine) fetchAndStore(ctx context.Context, bucket engine.ContentBucket, key string) ([]byte, error) {
	payload, err := e.fetcher.Fetch(ctx, bucket)
	if err != nil {
		if engine.IsAmbiguousOutcome(err) {
			e.quota.Record(ctx, bucket.Provider, 1)
		}
		return nil, err
	}
	e.quota.Record(ctx, bucket.Provider, 1)

	entry, perr := e.cache.Put(ctx, key, bucket.ContentType, payload, e.ttlFor(bucket.ContentType), bucket.Provider)
	if perr != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrProviderFetch, perr)
	}
	e.publishEvent(ctx, "refresh", bucket, key, entry.QualityScore)
	return payload, nil
}

// executeUnion is the batcher's upstream call: one admission check and one
// provider fetch per merged keyword union.
func (e *Engine) executeUnion(ctx context.Context, union engine.ContentBucket) ([]byte, error) {
	if !e.quota.CanAdmit(union.Provider) {
		metrics.ObserveQuotaDenied(union.Provider)
		return nil, fmt.Errorf("%w: quota exhausted for %q", engine.ErrNoData, union.Provider)
	}
	payload, err := e.fetcher.Fetch(ctx, union)
	if err != nil {
		if engine.IsAmbiguousOutcome(err) {
			e.quota.Record(ctx, union.Provider, 1)
		}
		return nil, err
	}
	e.quota.Record(ctx, union.Provider, 1)
	return payload, nil
}

// proactiveRefresh re-fetches a still-valid entry whose age passed its
// priority's soft-refresh interval. The caller already has a valid result,
// so this runs detached and every failure is only logged.
func (e *Engine) proactiveRefresh(bucket engine.ContentBucket, key string) {
	if !e.quota.CanAdmit(bucket.Provider) {
		e.logger.Debug("proactive refresh skipped, quota exhausted",
			zap.String("provider", bucket.Provider), zap.String("key", key))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
	defer cancel()

	_, err := e.coalescer.Enroll(ctx, key, func(fctx context.Context) ([]byte, error) {
		return e.fetchAndStore(fctx, bucket, key)
	})
	if err != nil {
		e.logger.Warn("proactive refresh failed",
			zap.String("key", key), zap.Error(err))
		return
	}
	e.logger.Debug("proactive refresh completed", zap.String("key", key))
}

func (e *Engine) degrade(ctx context.Context, bucket engine.ContentBucket, key string, entry engine.CacheEntry) engine.Result {
	e.degradations.Add(1)
	metrics.ObserveResolve(string(engine.ProvenanceDegraded))
	e.publishEvent(ctx, "degraded", bucket, key, entry.QualityScore)
	return resultFrom(entry, engine.ProvenanceDegraded)
}

func (e *Engine) publishEvent(ctx context.Context, kind string, bucket engine.ContentBucket, key string, quality int) {
	if e.publisher == nil {
		return
	}
	event := map[string]any{
		"type":         kind,
		"cache_key":    key,
		"provider":     bucket.Provider,
		"content_type": string(bucket.ContentType),
		"quality":      quality,
		"at":           e.clock.Now().UTC(),
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.EventTopic, event); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("type", kind), zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) ttlFor(ct engine.ContentType) time.Duration {
	if ttl, ok := e.cfg.TTLByType[ct]; ok && ttl > 0 {
		return ttl
	}
	return e.cfg.DefaultTTL
}

func validateBucket(bucket engine.ContentBucket) error {
	if bucket.Provider == "" {
		return fmt.Errorf("%w: bucket has no provider", engine.ErrConfiguration)
	}
	if !bucket.ContentType.Known() {
		return fmt.Errorf("%w: unknown content type %q", engine.ErrConfiguration, bucket.ContentType)
	}
	if len(engine.CanonicalKeywords(bucket.Keywords)) == 0 {
		return fmt.Errorf("%w: bucket has no keywords", engine.ErrConfiguration)
	}
	return nil
}

func resultFrom(entry engine.CacheEntry, provenance engine.Provenance) engine.Result {
	return engine.Result{
		Payload:    entry.Payload,
		Provenance: provenance,
		Source:     entry.Source,
		Quality:    entry.QualityScore,
		CreatedAt:  entry.CreatedAt,
	}
}
