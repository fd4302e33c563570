package coalesce

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
)

// BatchExecutor performs the single upstream call for a merged group of
// buckets. The engine supplies an executor that runs the admitted fetch
// path for the union bucket.
type BatchExecutor func(ctx context.Context, union engine.ContentBucket) ([]byte, error)

const defaultGroupingWindow = 250 * time.Millisecond

type enrollment struct {
	bucket engine.ContentBucket
	ch     chan fetchResult
}

type batchGroup struct {
	keywords map[string]struct{}
	enrolled []enrollment
	maxCount int
	closed   bool
}

// Batcher merges distinct-but-overlapping buckets on the same provider into
// one upstream call per grouping window. It is used only on the explicit
// batch/refresh path; the default per-bucket path goes through the
// Coalescer.
type Batcher struct {
	mu       sync.Mutex
	groups   map[string][]*batchGroup
	window   time.Duration
	executor BatchExecutor
	logger   *zap.Logger
}

// NewBatcher constructs a Batcher with the given grouping window.
func NewBatcher(window time.Duration, executor BatchExecutor, logger *zap.Logger) *Batcher {
	if window <= 0 {
		window = defaultGroupingWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		groups:   make(map[string][]*batchGroup),
		window:   window,
		executor: executor,
		logger:   logger,
	}
}

// Submit enrolls the bucket in an open group sharing its provider, content
// type, and at least one keyword, or opens a new group. When the group's
// window elapses, one upstream call runs on the keyword union and each
// bucket receives its own filtered slice of the response.
func (b *Batcher) Submit(ctx context.Context, bucket engine.ContentBucket) ([]byte, error) {
	kws := engine.CanonicalKeywords(bucket.Keywords)
	if len(kws) == 0 {
		return nil, fmt.Errorf("bucket has no keywords")
	}
	groupKey := fmt.Sprintf("%s|%s", bucket.Provider, bucket.ContentType)
	ch := make(chan fetchResult, 1)

	b.mu.Lock()
	var target *batchGroup
	for _, g := range b.groups[groupKey] {
		if !g.closed && overlaps(g.keywords, kws) {
			target = g
			break
		}
	}
	if target == nil {
		target = &batchGroup{keywords: make(map[string]struct{})}
		b.groups[groupKey] = append(b.groups[groupKey], target)
		go b.flushAfterWindow(groupKey, target, bucket)
	}
	for _, kw := range kws {
		target.keywords[kw] = struct{}{}
	}
	if bucket.ResultCount > target.maxCount {
		target.maxCount = bucket.ResultCount
	}
	target.enrolled = append(target.enrolled, enrollment{bucket: bucket, ch: ch})
	b.mu.Unlock()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("batch wait: %w", ctx.Err())
	}
}

func (b *Batcher) flushAfterWindow(groupKey string, g *batchGroup, first engine.ContentBucket) {
	time.Sleep(b.window)

	b.mu.Lock()
	g.closed = true
	open := b.groups[groupKey][:0]
	for _, other := range b.groups[groupKey] {
		if other != g {
			open = append(open, other)
		}
	}
	b.groups[groupKey] = open
	union := make([]string, 0, len(g.keywords))
	for kw := range g.keywords {
		union = append(union, kw)
	}
	sort.Strings(union)
	enrolled := g.enrolled
	maxCount := g.maxCount
	b.mu.Unlock()

	unionBucket := engine.ContentBucket{
		Provider:    first.Provider,
		ContentType: first.ContentType,
		Keywords:    union,
		Priority:    highestPriority(enrolled),
		ResultCount: maxCount,
	}
	b.logger.Debug("flushing batch group",
		zap.String("provider", unionBucket.Provider),
		zap.Strings("keywords", union),
		zap.Int("buckets", len(enrolled)),
	)

	// Submitters wait on their own contexts; the upstream call runs on the
	// batcher's own deadline via the executor's fetch pipeline.
	payload, err := b.executor(context.Background(), unionBucket)
	for _, e := range enrolled {
		if err != nil {
			e.ch <- fetchResult{err: err}
			continue
		}
		e.ch <- fetchResult{payload: sliceForBucket(payload, e.bucket)}
	}
}

func overlaps(set map[string]struct{}, kws []string) bool {
	for _, kw := range kws {
		if _, ok := set[kw]; ok {
			return true
		}
	}
	return false
}

func highestPriority(enrolled []enrollment) engine.Priority {
	best := engine.PriorityLow
	for _, e := range enrolled {
		switch e.bucket.Priority {
		case engine.PriorityHigh:
			return engine.PriorityHigh
		case engine.PriorityMedium:
			best = engine.PriorityMedium
		}
	}
	return best
}

// sliceForBucket derives one bucket's view of the union response: items
// mentioning any of the bucket's keywords, truncated to its result count.
// If nothing matches (or the payload is not an item list), the bucket gets
// the union response as-is rather than nothing.
func sliceForBucket(union []byte, bucket engine.ContentBucket) []byte {
	var items []json.RawMessage
	if err := json.Unmarshal(union, &items); err != nil {
		return union
	}
	kws := engine.CanonicalKeywords(bucket.Keywords)
	matched := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if itemMentions(item, kws) {
			matched = append(matched, item)
		}
	}
	if len(matched) == 0 {
		matched = items
	}
	if bucket.ResultCount > 0 && len(matched) > bucket.ResultCount {
		matched = matched[:bucket.ResultCount]
	}
	out, err := json.Marshal(matched)
	if err != nil {
		return union
	}
	return out
}

func itemMentions(item json.RawMessage, kws []string) bool {
	var obj map[string]any
	if err := json.Unmarshal(item, &obj); err != nil {
		return false
	}
	var text strings.Builder
	for _, v := range obj {
		if s, ok := v.(string); ok {
			text.WriteString(strings.ToLower(s))
			text.WriteByte(' ')
		}
	}
	haystack := text.String()
	for _, kw := range kws {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
