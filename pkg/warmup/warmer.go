package warmup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/edge-cache/pkg/responsecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var warmedURLs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "edgecache_warmup_urls_total",
	Help: "Total URLs processed by cache warming by result",
}, []string{"result"}) // "ok", "failed"

// Config holds warmer configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per URL fetch
	Timeout time.Duration
	// Options are applied to every warmed entry
	Options responsecache.FetchOptions
}

// DefaultConfig returns the default warmer configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// Fetcher fetches a request through a cache. *responsecache.Cache
// implements it.
type Fetcher interface {
	Fetch(req *http.Request, opts responsecache.FetchOptions) (*http.Response, error)
}

// URLResult is the outcome of warming a single URL
type URLResult struct {
	URL        string
	StatusCode int
	Err        error
}

// Result summarizes a warming run
type Result struct {
	Warmed   int
	Failed   []URLResult
	Duration time.Duration
}

// Warmer fetches URLs through a cache in parallel
type Warmer struct {
	cache  Fetcher
	config Config
}

// NewWarmer creates a new warmer
func NewWarmer(cache Fetcher, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &Warmer{
		cache:  cache,
		config: config,
	}
}

// WarmAll fetches every URL through the cache. Failures do not stop the
// run; they are collected in Result.Failed and joined into the returned
// error, so callers get partial results either way.
func (w *Warmer) WarmAll(ctx context.Context, urls []string) (Result, error) {
	start := time.Now()

	if len(urls) == 0 {
		return Result{}, nil
	}

	workers := w.config.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	log.Info().
		Int("urls", len(urls)).
		Int("workers", workers).
		Msg("Starting cache warmup")

	queue := make(chan string, len(urls))
	for _, u := range urls {
		queue <- u
	}
	close(queue)

	results := make(chan URLResult, len(urls))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go w.worker(ctx, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var result Result
	var errs []error
	for r := range results {
		if r.Err != nil {
			warmedURLs.WithLabelValues("failed").Inc()
			result.Failed = append(result.Failed, r)
			errs = append(errs, fmt.Errorf("%s: %w", r.URL, r.Err))
			continue
		}
		warmedURLs.WithLabelValues("ok").Inc()
		result.Warmed++
	}
	result.Duration = time.Since(start)

	if len(errs) > 0 {
		log.Warn().
			Int("warmed", result.Warmed).
			Int("failed", len(result.Failed)).
			Dur("duration", result.Duration).
			Msg("Cache warmup incomplete - returning partial results")
		return result, fmt.Errorf("warmup incomplete (%d/%d urls): %w", result.Warmed, len(urls), errors.Join(errs...))
	}

	log.Info().
		Int("warmed", result.Warmed).
		Dur("duration", result.Duration).
		Msg("Cache warmup complete")

	return result, nil
}

// worker processes URLs from the queue
func (w *Warmer) worker(ctx context.Context, queue <-chan string, results chan<- URLResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for u := range queue {
		// Drain the queue as failures once cancelled, so every URL is reported.
		if err := ctx.Err(); err != nil {
			results <- URLResult{URL: u, Err: err}
			continue
		}

		results <- w.warm(ctx, u)
		processed++
	}

	if processed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("urls_processed", processed).
			Msg("Worker completed")
	}
}

func (w *Warmer) warm(ctx context.Context, url string) URLResult {
	fetchCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return URLResult{URL: url, Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := w.cache.Fetch(req, w.config.Options)
	if err != nil {
		return URLResult{URL: url, Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if !responsecache.IsSuccess(resp.StatusCode) {
		return URLResult{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	log.Debug().Str("url", url).Int("status", resp.StatusCode).Msg("Warmed")
	return URLResult{URL: url, StatusCode: resp.StatusCode}
}
