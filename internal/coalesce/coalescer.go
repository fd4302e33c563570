// Package coalesce merges concurrent fetch requests so one in-flight
// provider call serves every caller asking for the same cache key.
package coalesce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/metrics"
)

type fetchResult struct {
	payload []byte
	err     error
}

// pendingBatch is the ephemeral coalescing unit for one cache key. It lives
// from the first enrollment until the fetch settles, then is torn down.
type pendingBatch struct {
	createdAt time.Time
	waiters   []chan fetchResult
}

// Coalescer owns the arena of in-flight fetches keyed by cache key. While a
// batch is open, every additional caller for that key enrolls as a waiter
// instead of invoking its own fetch, so N concurrent misses cost one unit of
// provider quota instead of N.
type Coalescer struct {
	mu      sync.Mutex
	pending map[string]*pendingBatch
	clock   engine.Clock
	logger  *zap.Logger
}

// New constructs a Coalescer.
func New(clock engine.Clock, logger *zap.Logger) *Coalescer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coalescer{
		pending: make(map[string]*pendingBatch),
		clock:   clock,
		logger:  logger,
	}
}

// Enroll joins the open batch for key, or opens one and runs fetch exactly
// once. Every enrolled caller receives the same payload or the same error.
// The batch is torn down on every exit path, including a panicking fetch.
//
// A waiter whose context ends before the fetch settles leaves with its
// context error; the fetch keeps running for the remaining callers.
func (c *Coalescer) Enroll(ctx context.Context, key string, fetch engine.FetchFunc) ([]byte, error) {
	c.mu.Lock()
	if batch, open := c.pending[key]; open {
		ch := make(chan fetchResult, 1)
		batch.waiters = append(batch.waiters, ch)
		c.mu.Unlock()

		select {
		case res := <-ch:
			return res.payload, res.err
		case <-ctx.Done():
			return nil, fmt.Errorf("coalesced wait: %w", ctx.Err())
		}
	}
	batch := &pendingBatch{createdAt: c.clock.Now()}
	c.pending[key] = batch
	c.mu.Unlock()

	payload, err := c.runFetch(ctx, fetch)

	c.mu.Lock()
	delete(c.pending, key)
	waiters := batch.waiters
	c.mu.Unlock()

	metrics.ObserveCoalescedCallers(1 + len(waiters))
	if len(waiters) > 0 {
		c.logger.Debug("fan-out to coalesced callers",
			zap.String("key", key), zap.Int("waiters", len(waiters)))
	}
	for _, ch := range waiters {
		ch <- fetchResult{payload: payload, err: err}
	}
	return payload, err
}

// InFlight reports whether a batch is currently open for key.
func (c *Coalescer) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, open := c.pending[key]
	return open
}

func (c *Coalescer) runFetch(ctx context.Context, fetch engine.FetchFunc) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("fetch panicked", zap.Any("panic", r))
			payload = nil
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}
