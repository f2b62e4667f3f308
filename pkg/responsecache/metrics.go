package responsecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchTotal counts Fetch outcomes
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_fetch_total",
			Help: "Total response cache fetches by result",
		},
		[]string{"result"}, // "hit", "miss", "stale", "bypass", "coalesced"
	)

	// upstreamRequests counts calls that reached the wrapped fetcher
	upstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_upstream_requests_total",
			Help: "Total upstream requests by HTTP status (or \"error\")",
		},
		[]string{"status"},
	)

	// revalidations counts background stale-while-revalidate refreshes
	revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_revalidations_total",
			Help: "Total background revalidations by result",
		},
		[]string{"result"}, // "ok", "failed"
	)

	// notModified counts 304 answers to conditional revalidations
	notModified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edgecache_304_responses_total",
			Help: "Total 304 Not Modified responses that renewed a cached entry",
		},
	)

	// invalidations counts entries removed by invalidation
	invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_invalidations_total",
			Help: "Total entries removed by invalidation kind",
		},
		[]string{"kind"}, // "tag", "pattern", "regexp"
	)
)
