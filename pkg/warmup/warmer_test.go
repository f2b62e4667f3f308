package warmup

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/edge-cache/internal/testutil"
	"github.com/Sternrassler/edge-cache/pkg/responsecache"
	"github.com/Sternrassler/edge-cache/pkg/store"
	"github.com/rs/zerolog"
)

func newTestCache(t *testing.T, fetcher responsecache.Fetcher) *responsecache.Cache {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New[responsecache.Entry](store.Config{
		Name:    t.Name(),
		MaxSize: 100,
		TTL:     time.Hour,
		Logger:  &logger,
	})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	cache, err := responsecache.New(fetcher, responsecache.Config{Store: st, Logger: &logger})
	if err != nil {
		t.Fatalf("responsecache.New() error = %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestNewWarmer_Defaults(t *testing.T) {
	w := NewWarmer(nil, Config{})
	if w.config.MaxConcurrency != 10 {
		t.Errorf("MaxConcurrency = %d, want 10", w.config.MaxConcurrency)
	}
	if w.config.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", w.config.Timeout)
	}
}

func TestWarmAll_PopulatesCache(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	cache := newTestCache(t, origin.Client())
	urls := []string{
		origin.URL() + "/api/a",
		origin.URL() + "/api/b",
		origin.URL() + "/api/c",
	}

	result, err := NewWarmer(cache, Config{MaxConcurrency: 2}).WarmAll(context.Background(), urls)
	if err != nil {
		t.Fatalf("WarmAll() error = %v", err)
	}
	if result.Warmed != len(urls) {
		t.Errorf("Warmed = %d, want %d", result.Warmed, len(urls))
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v, want none", result.Failed)
	}

	for _, u := range urls {
		req, _ := http.NewRequest(http.MethodGet, u, nil)
		if _, ok := cache.Lookup(responsecache.RequestKey(req)); !ok {
			t.Errorf("%s was not cached", u)
		}
	}
	if origin.RequestCount() != len(urls) {
		t.Errorf("upstream requests = %d, want %d", origin.RequestCount(), len(urls))
	}
}

func TestWarmAll_PartialFailure(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/api/broken", testutil.NewServerErrorResponse())
	origin.SetResponse("/api/missing", testutil.NewNotFoundResponse())

	cache := newTestCache(t, origin.Client())
	urls := []string{
		origin.URL() + "/api/ok",
		origin.URL() + "/api/broken",
		origin.URL() + "/api/missing",
	}

	result, err := NewWarmer(cache, DefaultConfig()).WarmAll(context.Background(), urls)
	if err == nil {
		t.Fatal("WarmAll() expected error for failed URLs")
	}
	if result.Warmed != 1 {
		t.Errorf("Warmed = %d, want 1", result.Warmed)
	}

	var failed []string
	for _, f := range result.Failed {
		failed = append(failed, f.URL)
		if f.Err == nil {
			t.Errorf("failed URL %s has no error", f.URL)
		}
	}
	sort.Strings(failed)
	want := []string{origin.URL() + "/api/broken", origin.URL() + "/api/missing"}
	if len(failed) != 2 || failed[0] != want[0] || failed[1] != want[1] {
		t.Errorf("Failed URLs = %v, want %v", failed, want)
	}
}

func TestWarmAll_BoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	var mu sync.Mutex

	fetcher := responsecache.FetcherFunc(func(req *http.Request) (*http.Response, error) {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)

		entry := &responsecache.Entry{StatusCode: http.StatusOK, Header: http.Header{}}
		return entry.Response(req), nil
	})
	cache := newTestCache(t, fetcher)

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = "http://upstream/item/" + string(rune('a'+i))
	}

	result, err := NewWarmer(cache, Config{MaxConcurrency: 3}).WarmAll(context.Background(), urls)
	if err != nil {
		t.Fatalf("WarmAll() error = %v", err)
	}
	if result.Warmed != len(urls) {
		t.Errorf("Warmed = %d, want %d", result.Warmed, len(urls))
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestWarmAll_Cancelled(t *testing.T) {
	fetcher := responsecache.FetcherFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("should not be called")
	})
	cache := newTestCache(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	urls := []string{"http://upstream/a", "http://upstream/b"}
	result, err := NewWarmer(cache, DefaultConfig()).WarmAll(ctx, urls)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WarmAll() error = %v, want context.Canceled", err)
	}
	if len(result.Failed) != len(urls) {
		t.Errorf("Failed = %d, want %d", len(result.Failed), len(urls))
	}
}

func TestWarmAll_Empty(t *testing.T) {
	result, err := NewWarmer(nil, DefaultConfig()).WarmAll(context.Background(), nil)
	if err != nil || result.Warmed != 0 {
		t.Errorf("WarmAll(nil) = %+v, %v", result, err)
	}
}
