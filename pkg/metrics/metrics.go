// Package metrics provides the Prometheus registry and HTTP handler for
// edge-cache. All metrics are defined in their respective packages (store,
// persist, responsecache, scheduler, middleware, warmup) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by edge-cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back everything registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Store Metrics (pkg/store):
//   - edgecache_store_hits_total{cache} (Counter): Lookups that found a live entry
//   - edgecache_store_misses_total{cache} (Counter): Lookups that found nothing or an expired entry
//   - edgecache_store_evictions_total{cache} (Counter): Entries dropped to stay within max size
//   - edgecache_store_expirations_total{cache} (Counter): Expired entries removed
//   - edgecache_store_entries{cache} (Gauge): Current number of stored entries
//
// Persistence Metrics (pkg/persist):
//   - edgecache_persist_errors_total{operation} (Counter): Swallowed load/save failures
//   - edgecache_persist_expired_dropped_total (Counter): Expired records discarded on load
//
// Response Cache Metrics (pkg/responsecache):
//   - edgecache_fetch_total{result} (Counter): Fetches by result (hit, miss, stale, bypass, coalesced)
//   - edgecache_upstream_requests_total{status} (Counter): Requests that reached the upstream
//   - edgecache_revalidations_total{result} (Counter): Background revalidations (ok, failed)
//   - edgecache_304_responses_total (Counter): 304 Not Modified responses that renewed an entry
//   - edgecache_invalidations_total{kind} (Counter): Entries removed by tag, pattern or regexp
//
// Scheduler Metrics (pkg/scheduler):
//   - edgecache_scheduler_fetches_total{result} (Counter): Scheduled fetches (success, failure, ignored)
//   - edgecache_scheduler_retries_total (Counter): Retries scheduled after a failure
//   - edgecache_scheduler_retry_backoff_seconds (Histogram): Backoff before a retry
//   - edgecache_scheduler_active_subscriptions (Gauge): Started subscriptions
//
// Middleware Metrics (pkg/middleware):
//   - edgecache_middleware_requests_total{result} (Counter): Requests by result (hit, miss, pass)
//
// Warmup Metrics (pkg/warmup):
//   - edgecache_warmup_urls_total{result} (Counter): Warmed URLs (ok, failed)
//
// Example Prometheus Queries:
//
//   # Store Hit Rate
//   sum(rate(edgecache_store_hits_total[5m])) /
//   (sum(rate(edgecache_store_hits_total[5m])) + sum(rate(edgecache_store_misses_total[5m])))
//
//   # Upstream Offload
//   1 - sum(rate(edgecache_upstream_requests_total[5m])) / sum(rate(edgecache_fetch_total[5m]))
//
//   # Failing Background Refresh
//   rate(edgecache_revalidations_total{result="failed"}[5m]) > 0
//
//   # 304 Response Rate
//   rate(edgecache_304_responses_total[5m]) / rate(edgecache_upstream_requests_total[5m])
