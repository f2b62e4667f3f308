package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_store_hits_total",
			Help: "Total number of store lookups that returned a live entry",
		},
		[]string{"cache"},
	)

	storeMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_store_misses_total",
			Help: "Total number of store lookups for missing or expired keys",
		},
		[]string{"cache"},
	)

	storeEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_store_evictions_total",
			Help: "Total number of entries evicted to stay within max size",
		},
		[]string{"cache"},
	)

	storeExpirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecache_store_expirations_total",
			Help: "Total number of expired entries removed",
		},
		[]string{"cache"},
	)

	storeEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgecache_store_entries",
			Help: "Current number of entries held by the store",
		},
		[]string{"cache"},
	)
)
