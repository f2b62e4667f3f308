package store

// Stats is a read-only snapshot of store counters, polled by dashboards.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	HitRate     float64 `json:"hitRate"` // hits / (hits + misses), 0 with no lookups
	Size        int     `json:"size"`
}

func newStats(hits, misses, evictions, expirations int64, size int) Stats {
	stats := Stats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   evictions,
		Expirations: expirations,
		Size:        size,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
