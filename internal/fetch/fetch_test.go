package fetch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/metrics"
)

func init() {
	metrics.Init()
}

type fakeFetcher struct {
	calls   atomic.Int64
	fetchFn func(ctx context.Context, bucket engine.ContentBucket) ([]byte, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
	f.calls.Add(1)
	return f.fetchFn(ctx, bucket)
}

func newsBucket() engine.ContentBucket {
	return engine.ContentBucket{
		Provider:    "newsapi",
		ContentType: engine.ContentNews,
		Keywords:    []string{"ai"},
		Priority:    engine.PriorityHigh,
		ResultCount: 10,
	}
}

func TestPipelineFetchSuccess(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		fetchFn: func(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
			return []byte(`[{"title":"x"}]`), nil
		},
	}
	p := New(fetcher, Config{Timeout: time.Second}, zap.NewNop())

	payload, err := p.Fetch(context.Background(), newsBucket())
	require.NoError(t, err)
	require.JSONEq(t, `[{"title":"x"}]`, string(payload))
	require.EqualValues(t, 1, fetcher.calls.Load())
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	fetcher.fetchFn = func(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
		if fetcher.calls.Load() < 3 {
			return nil, errors.New("upstream returned 503")
		}
		return []byte(`[]`), nil
	}
	p := New(fetcher, Config{Timeout: time.Second}, zap.NewNop())

	payload, err := p.Fetch(context.Background(), newsBucket())
	require.NoError(t, err)
	require.Equal(t, `[]`, string(payload))
	require.EqualValues(t, 3, fetcher.calls.Load())
}

func TestPipelineExhaustsRetries(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		fetchFn: func(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
			return nil, errors.New("upstream returned 500")
		},
	}
	p := New(fetcher, Config{Timeout: time.Second}, zap.NewNop())

	_, err := p.Fetch(context.Background(), newsBucket())
	require.Error(t, err)
	require.ErrorIs(t, err, engine.ErrProviderFetch)
	// initial attempt plus three retries
	require.EqualValues(t, 4, fetcher.calls.Load())
}

func TestPipelineAttemptTimeoutIsAmbiguousAndNotRetried(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		fetchFn: func(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := New(fetcher, Config{Timeout: 20 * time.Millisecond}, zap.NewNop())

	_, err := p.Fetch(context.Background(), newsBucket())
	require.Error(t, err)
	require.ErrorIs(t, err, engine.ErrProviderFetch)
	require.True(t, engine.IsAmbiguousOutcome(err))
	require.EqualValues(t, 1, fetcher.calls.Load())
}

func TestPipelineCallerCancelIsNotAmbiguous(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &fakeFetcher{
		fetchFn: func(fctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
			cancel()
			<-fctx.Done()
			return nil, fctx.Err()
		},
	}
	p := New(fetcher, Config{Timeout: time.Second}, zap.NewNop())

	_, err := p.Fetch(ctx, newsBucket())
	require.Error(t, err)
	require.False(t, engine.IsAmbiguousOutcome(err))
	require.EqualValues(t, 1, fetcher.calls.Load())
}

func TestLimiterAllowsUnconfiguredRate(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "newsapi"))
	}
}

func TestLimiterSmoothsPerProvider(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{DefaultRPS: 100, DefaultBurst: 1})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx, "reddit"))
	}
	// burst of 1 at 100 rps means four paced waits of ~10ms each
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{DefaultRPS: 0.001, DefaultBurst: 1})

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "slow"))

	cancelled, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(cancelled, "slow"))
}

func TestRetryPolicyClassification(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy()

	require.False(t, p.ShouldRetry(nil, 0))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 0))
	require.False(t, p.ShouldRetry(&engine.AmbiguousOutcomeError{Err: errors.New("timeout")}, 0))
	require.True(t, p.ShouldRetry(errors.New("upstream returned 502"), 0))
}

func TestRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy()
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 5*time.Second)
	}
}
