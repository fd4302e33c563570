// Package metrics exposes Prometheus collectors for the content engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	engineResolvesTotal        *prometheus.CounterVec
	engineCacheLookupsTotal    *prometheus.CounterVec
	engineProviderCallsTotal   *prometheus.CounterVec
	engineQuotaDeniedTotal     *prometheus.CounterVec
	engineFetchDurationSeconds *prometheus.HistogramVec
	engineCoalescedCallers     prometheus.Histogram
	engineJobRunsTotal         *prometheus.CounterVec
	engineEvictedEntriesTotal  prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		engineResolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_resolves_total",
				Help: "Total resolve calls, labeled by provenance.",
			},
			[]string{"provenance"},
		)

		engineCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_cache_lookups_total",
				Help: "Cache lookups, labeled by tier and outcome (hit/miss).",
			},
			[]string{"tier", "outcome"},
		)

		engineProviderCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_provider_calls_total",
				Help: "Live provider calls, labeled by provider and status.",
			},
			[]string{"provider", "status"},
		)

		engineQuotaDeniedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_quota_denied_total",
				Help: "Admission denials, labeled by provider.",
			},
			[]string{"provider"},
		)

		engineFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_fetch_duration_seconds",
				Help:    "Histogram of provider fetch latencies, labeled by provider.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		)

		engineCoalescedCallers = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engine_coalesced_callers",
				Help:    "Number of callers served by one provider fetch.",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		)

		engineJobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_job_runs_total",
				Help: "Scheduled job runs, labeled by job and status.",
			},
			[]string{"job", "status"},
		)

		engineEvictedEntriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_evicted_entries_total",
				Help: "Cache entries removed by the eviction sweep.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveResolve increments the resolve counter for the given provenance.
func ObserveResolve(provenance string) {
	engineResolvesTotal.WithLabelValues(provenance).Inc()
}

// ObserveCacheLookup increments the cache lookup counter.
func ObserveCacheLookup(tier string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	engineCacheLookupsTotal.WithLabelValues(tier, outcome).Inc()
}

// ObserveProviderCall records one live provider call and its latency.
func ObserveProviderCall(provider, status string, duration time.Duration) {
	engineProviderCallsTotal.WithLabelValues(provider, status).Inc()
	engineFetchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveQuotaDenied increments the admission denial counter.
func ObserveQuotaDenied(provider string) {
	engineQuotaDeniedTotal.WithLabelValues(provider).Inc()
}

// ObserveCoalescedCallers records how many callers one fetch served.
func ObserveCoalescedCallers(n int) {
	engineCoalescedCallers.Observe(float64(n))
}

// ObserveJobRun increments the job run counter for the given status.
func ObserveJobRun(job, status string) {
	engineJobRunsTotal.WithLabelValues(job, status).Inc()
}

// ObserveEvictions adds to the eviction counter.
func ObserveEvictions(n int) {
	if n > 0 {
		engineEvictedEntriesTotal.Add(float64(n))
	}
}
