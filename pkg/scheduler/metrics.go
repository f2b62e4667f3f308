package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecache_scheduler_fetches_total",
		Help: "Total scheduled fetches by result",
	}, []string{"result"}) // "success", "failure", "ignored"

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecache_scheduler_retries_total",
		Help: "Total retry attempts scheduled after a failed fetch",
	})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgecache_scheduler_retry_backoff_seconds",
		Help:    "Backoff duration before a retry",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecache_scheduler_active_subscriptions",
		Help: "Number of started, not yet stopped subscriptions",
	})
)
