// Package engine defines core types shared across subsystems.
package engine

import (
	"encoding/json"
	"time"
)

// ContentType tags the shape of a cached payload.
type ContentType string

// Content types understood by the engine. Schema validation and quality
// scoring are keyed off these tags.
const (
	ContentNews    ContentType = "news"
	ContentSocial  ContentType = "social"
	ContentSummary ContentType = "summary"
	ContentEvents  ContentType = "events"
)

// Known reports whether ct is one of the supported content types.
func (ct ContentType) Known() bool {
	switch ct {
	case ContentNews, ContentSocial, ContentSummary, ContentEvents:
		return true
	default:
		return false
	}
}

// Priority drives refresh cadence for a bucket. It is fixed at bucket
// creation.
type Priority string

// Bucket priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// RefreshInterval returns the soft-refresh interval for the priority. An
// entry older than this is proactively refreshed even while still TTL-valid.
func (p Priority) RefreshInterval() time.Duration {
	switch p {
	case PriorityHigh:
		return 2 * time.Hour
	case PriorityLow:
		return 12 * time.Hour
	default:
		return 4 * time.Hour
	}
}

// ContentBucket identifies one cacheable unit of content.
type ContentBucket struct {
	Provider    string      `json:"provider"`
	ContentType ContentType `json:"content_type"`
	Keywords    []string    `json:"keywords"`
	Priority    Priority    `json:"priority"`
	ResultCount int         `json:"result_count"`
}

// Tier marks which storage tier an entry was read from.
type Tier string

// Storage tiers.
const (
	TierLocal  Tier = "local"
	TierShared Tier = "shared"
)

// CacheEntry is the unit stored in both cache tiers.
type CacheEntry struct {
	Key          string            `json:"key"`
	ContentType  ContentType       `json:"content_type"`
	Payload      json.RawMessage   `json:"payload"`
	CreatedAt    time.Time         `json:"created_at"`
	TTL          time.Duration     `json:"ttl"`
	Source       string            `json:"source"`
	QualityScore int               `json:"quality_score"`
	Tier         Tier              `json:"tier"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Valid reports whether the entry is within its hard TTL at the given time.
func (e CacheEntry) Valid(now time.Time) bool {
	return now.Sub(e.CreatedAt) < e.TTL
}

// Age returns how long ago the entry was created.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// QuotaRecord tracks one provider's call budget. Daily and hourly windows
// roll over independently: the hourly window resets many times inside one
// daily window.
type QuotaRecord struct {
	Provider      string    `json:"provider"`
	DailyLimit    int       `json:"daily_limit"`
	HourlyLimit   int       `json:"hourly_limit"`
	DailyUsed     int       `json:"daily_used"`
	HourlyUsed    int       `json:"hourly_used"`
	DailyResetAt  time.Time `json:"daily_reset_at"`
	HourlyResetAt time.Time `json:"hourly_reset_at"`
}

// Exhausted reports whether either window is at its limit.
func (r QuotaRecord) Exhausted() bool {
	return r.DailyUsed >= r.DailyLimit || r.HourlyUsed >= r.HourlyLimit
}

// Provenance describes how a resolved result was obtained.
type Provenance string

// Provenance values returned by the orchestrator.
const (
	ProvenanceFresh    Provenance = "fresh"
	ProvenanceCached   Provenance = "cached"
	ProvenanceDegraded Provenance = "stale-degraded"
	ProvenanceError    Provenance = "error"
)

// Result is the unit returned to callers of the orchestrator. Degraded and
// error outcomes are results, not errors: callers always get explicit
// provenance for the common denied/degraded cases.
type Result struct {
	Payload    json.RawMessage `json:"payload,omitempty"`
	Provenance Provenance      `json:"provenance"`
	Source     string          `json:"source,omitempty"`
	Quality    int             `json:"quality"`
	CreatedAt  time.Time       `json:"created_at,omitzero"`
}

// JobStatus is the lifecycle state of a scheduled job run.
type JobStatus string

// Job status values. A job never transitions running -> running; overlapping
// ticks are skipped.
const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
)

// ScheduledJob is the persisted view of one recurring job.
type ScheduledJob struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Bucket    ContentBucket `json:"bucket"`
	Interval  time.Duration `json:"interval"`
	Status    JobStatus     `json:"status"`
	LastRunAt time.Time     `json:"last_run_at,omitzero"`
	NextRunAt time.Time     `json:"next_run_at"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
}

// EngineStats is the observability counter snapshot exposed for dashboards.
type EngineStats struct {
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
	FreshFetches int64 `json:"fresh_fetches"`
	Degradations int64 `json:"degradations"`
	Errors       int64 `json:"errors"`
}
