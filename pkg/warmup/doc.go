// Package warmup pre-populates a response cache with a bounded worker pool.
//
// A proxy that starts cold sends its first burst of traffic straight to the
// upstream. Warming fetches a known list of hot URLs through the cache
// before traffic arrives, so those requests are served as hits.
//
// Example usage:
//
//	warmer := warmup.NewWarmer(cache, warmup.DefaultConfig())
//	result, err := warmer.WarmAll(ctx, []string{
//		"https://api.example.com/v1/signals",
//		"https://api.example.com/v1/markets",
//	})
//
// The warmer:
//   - Spawns a worker pool (default 10 workers)
//   - Distributes URLs across workers
//   - Bounds each fetch with its own timeout
//   - Keeps going after failures and reports partial results
package warmup
