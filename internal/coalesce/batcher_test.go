package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
)

const unionPayload = `[
	{"title":"AI startup lands funding","description":"series A"},
	{"title":"Funding climate cools","description":"macro view"},
	{"title":"Startup hiring surges","description":"jobs report"}
]`

func newsBucket(kws ...string) engine.ContentBucket {
	return engine.ContentBucket{
		Provider:    "newsapi",
		ContentType: engine.ContentNews,
		Keywords:    kws,
		Priority:    engine.PriorityMedium,
		ResultCount: 5,
	}
}

func TestOverlappingBucketsShareOneUpstreamCall(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	var gotUnion []string
	var mu sync.Mutex
	b := NewBatcher(20*time.Millisecond, func(_ context.Context, union engine.ContentBucket) ([]byte, error) {
		calls.Add(1)
		mu.Lock()
		gotUnion = union.Keywords
		mu.Unlock()
		return []byte(unionPayload), nil
	}, zap.NewNop())

	var wg sync.WaitGroup
	var resA, resB []byte
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		resA, errA = b.Submit(context.Background(), newsBucket("ai", "funding"))
	}()
	go func() {
		defer wg.Done()
		resB, errB = b.Submit(context.Background(), newsBucket("funding", "startup"))
	}()
	wg.Wait()

	require.Equal(t, int64(1), calls.Load())
	mu.Lock()
	require.Equal(t, []string{"ai", "funding", "startup"}, gotUnion)
	mu.Unlock()

	require.NoError(t, errA)
	require.NoError(t, errB)

	// Bucket A keeps items mentioning ai or funding; bucket B those
	// mentioning funding or startup.
	require.Contains(t, string(resA), "AI startup lands funding")
	require.Contains(t, string(resA), "Funding climate cools")
	require.NotContains(t, string(resA), "hiring surges")

	require.Contains(t, string(resB), "Startup hiring surges")
	require.Contains(t, string(resB), "Funding climate cools")
}

func TestDisjointKeywordSetsFormSeparateGroups(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	b := NewBatcher(20*time.Millisecond, func(_ context.Context, _ engine.ContentBucket) ([]byte, error) {
		calls.Add(1)
		return []byte(`[]`), nil
	}, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = b.Submit(context.Background(), newsBucket("golang"))
	}()
	go func() {
		defer wg.Done()
		_, _ = b.Submit(context.Background(), newsBucket("espresso"))
	}()
	wg.Wait()

	require.Equal(t, int64(2), calls.Load())
}

func TestBatchErrorReachesEveryBucket(t *testing.T) {
	t.Parallel()

	upstreamErr := errors.New("quota denied downstream")
	b := NewBatcher(20*time.Millisecond, func(_ context.Context, _ engine.ContentBucket) ([]byte, error) {
		return nil, upstreamErr
	}, zap.NewNop())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = b.Submit(context.Background(), newsBucket("ai"))
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = b.Submit(context.Background(), newsBucket("ai", "ml"))
	}()
	wg.Wait()

	require.ErrorIs(t, errs[0], upstreamErr)
	require.ErrorIs(t, errs[1], upstreamErr)
}

func TestSubmitRespectsResultCount(t *testing.T) {
	t.Parallel()

	b := NewBatcher(10*time.Millisecond, func(_ context.Context, _ engine.ContentBucket) ([]byte, error) {
		return []byte(unionPayload), nil
	}, zap.NewNop())

	bucket := newsBucket("funding")
	bucket.ResultCount = 1
	res, err := b.Submit(context.Background(), bucket)
	require.NoError(t, err)
	require.Contains(t, string(res), "AI startup lands funding")
	require.NotContains(t, string(res), "climate cools")
}

func TestSubmitRejectsEmptyKeywords(t *testing.T) {
	t.Parallel()

	b := NewBatcher(10*time.Millisecond, func(_ context.Context, _ engine.ContentBucket) ([]byte, error) {
		return []byte(`[]`), nil
	}, zap.NewNop())

	_, err := b.Submit(context.Background(), newsBucket())
	require.Error(t, err)
}

func TestSliceForBucketFallsBackToUnion(t *testing.T) {
	t.Parallel()

	// No item mentions the keyword: bucket gets the whole union rather than
	// an empty slice.
	res := sliceForBucket([]byte(unionPayload), newsBucket("quantum"))
	require.Contains(t, string(res), "AI startup lands funding")
	require.Contains(t, string(res), "Startup hiring surges")
}
