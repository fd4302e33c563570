package engine

import (
	"context"
	"time"
)

// CacheTier stores cache entries for one storage tier. The local tier is
// in-process and must not suspend; the shared tier is durable and may
// perform I/O.
type CacheTier interface {
	// Get returns the entry for key if present, expired or not. Validity is
	// the caller's concern: expired entries still serve as degraded
	// fallbacks.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Put upserts the entry by key (last writer wins).
	Put(ctx context.Context, entry CacheEntry) error
	// Invalidate removes all entries whose key contains pattern and returns
	// how many were removed.
	Invalidate(ctx context.Context, pattern string) (int, error)
	// Evict removes entries whose age exceeds ttl * graceMultiplier and
	// returns how many were removed.
	Evict(ctx context.Context, now time.Time, graceMultiplier float64) (int, error)
	Close() error
}

// QuotaStore persists quota counters shared across instances. Increments
// must be atomic on the server side, not read-modify-write from the client.
type QuotaStore interface {
	Load(ctx context.Context, provider string) (QuotaRecord, bool, error)
	// Increment adds n to both window counters atomically.
	Increment(ctx context.Context, provider string, n int) error
	// ResetWindows zeroes the counters for the windows that have expired and
	// stores the advanced reset times.
	ResetWindows(ctx context.Context, record QuotaRecord) error
	All(ctx context.Context) ([]QuotaRecord, error)
	Close() error
}

// FetchFunc is the opaque provider fetch bound to a bucket. Implementations
// must fail loudly rather than return partial silent failure.
type FetchFunc func(ctx context.Context) ([]byte, error)

// ProviderFetcher executes the live call for a bucket. The engine treats the
// provider client behind it as an external collaborator.
type ProviderFetcher interface {
	Fetch(ctx context.Context, bucket ContentBucket) ([]byte, error)
}

// Publisher pushes engine events (refreshes, degradations) to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
