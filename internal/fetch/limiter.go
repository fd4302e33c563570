// Package fetch wraps the opaque provider call with rate smoothing, a
// per-attempt timeout, retry with jittered backoff, and ambiguous-outcome
// classification for conservative quota charging.
package fetch

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter smooths request rates per provider. This is politeness, not
// budget: the quota tracker owns the hard ceilings.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// LimiterConfig holds rate limiter configuration.
type LimiterConfig struct {
	DefaultRPS   float64
	DefaultBurst int
}

// NewLimiter creates a new Limiter.
func NewLimiter(cfg LimiterConfig) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the given provider, respecting
// the context.
func (l *Limiter) Wait(ctx context.Context, provider string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[provider]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[provider] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
