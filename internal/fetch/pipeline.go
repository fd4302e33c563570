package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/metrics"
)

// Config controls Pipeline behavior.
type Config struct {
	Timeout      time.Duration
	DefaultRPS   float64
	DefaultBurst int
}

const defaultTimeout = 10 * time.Second

// Pipeline binds every provider call to a timeout, smooths the request rate,
// and retries transient failures. The orchestrator above it never retries;
// all retry semantics live here so admission and coalescing invariants are
// not duplicated inside a retry loop.
type Pipeline struct {
	fetcher engine.ProviderFetcher
	limiter *Limiter
	policy  *RetryPolicy
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Pipeline around the opaque provider fetcher.
func New(fetcher engine.ProviderFetcher, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		fetcher: fetcher,
		limiter: NewLimiter(LimiterConfig{DefaultRPS: cfg.DefaultRPS, DefaultBurst: cfg.DefaultBurst}),
		policy:  NewRetryPolicy(),
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch executes the provider call for the bucket. A per-attempt timeout
// with the parent context still live is classified as an ambiguous outcome:
// the provider may have executed (and charged) the call, so the error is
// wrapped for the quota tracker to charge conservatively and is never
// retried.
func (p *Pipeline) Fetch(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := p.limiter.Wait(ctx, bucket.Provider); err != nil {
			return nil, fmt.Errorf("%w: %w", engine.ErrProviderFetch, err)
		}

		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		payload, err := p.fetcher.Fetch(attemptCtx, bucket)
		cancel()
		duration := time.Since(start)

		if err == nil {
			metrics.ObserveProviderCall(bucket.Provider, "ok", duration)
			return payload, nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.ObserveProviderCall(bucket.Provider, "timeout", duration)
			p.logger.Warn("provider fetch timed out, outcome ambiguous",
				zap.String("provider", bucket.Provider),
				zap.Duration("timeout", p.cfg.Timeout),
			)
			return nil, fmt.Errorf("%w: %w", engine.ErrProviderFetch,
				&engine.AmbiguousOutcomeError{Err: err})
		}

		if !p.policy.ShouldRetry(err, attempt) {
			metrics.ObserveProviderCall(bucket.Provider, "error", duration)
			return nil, fmt.Errorf("%w: %w", engine.ErrProviderFetch, err)
		}

		backoff := p.policy.Backoff(attempt)
		p.logger.Debug("retrying provider fetch",
			zap.String("provider", bucket.Provider),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", engine.ErrProviderFetch, ctx.Err())
		}
	}
}
