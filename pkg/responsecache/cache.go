// Package responsecache wraps an HTTP fetcher with a response cache offering
// tag and pattern invalidation, stale-while-revalidate, conditional
// revalidation and coalescing of concurrent identical requests.
package responsecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/edge-cache/pkg/logging"
	"github.com/Sternrassler/edge-cache/pkg/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is the freshness lifetime when none is configured.
	DefaultTTL = 5 * time.Minute

	// DefaultRevalidateTimeout bounds one background revalidation.
	DefaultRevalidateTimeout = 30 * time.Second
)

// Fetcher performs the underlying request. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(req *http.Request) (*http.Response, error)

// Do implements Fetcher.
func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Config holds the response cache configuration.
type Config struct {
	// Store holds the entries. Required.
	Store *store.Store[Entry]

	// TTL is how long a stored response stays fresh (default DefaultTTL).
	TTL time.Duration

	// StaleWhileRevalidate serves stale entries immediately and refreshes
	// them in the background.
	StaleWhileRevalidate bool

	// StaleWindow is how long past freshness a stale entry is kept for
	// stale-while-revalidate (default: TTL).
	StaleWindow time.Duration

	// Tags are attached to every stored entry.
	Tags []string

	// Methods lists cacheable request methods (default GET and HEAD).
	Methods []string

	// KeyFunc derives cache keys (default RequestKey).
	KeyFunc KeyFunc

	// RevalidateTimeout bounds background revalidations.
	RevalidateTimeout time.Duration

	// Clock decides freshness. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger defaults to logging.NewLogger("responsecache").
	Logger *zerolog.Logger
}

// FetchOptions override the cache defaults for a single request.
type FetchOptions struct {
	// TTL overrides Config.TTL when > 0.
	TTL time.Duration

	// Tags are added to Config.Tags for the stored entry.
	Tags []string
}

// Cache is a drop-in replacement for an HTTP client's Do method.
type Cache struct {
	fetcher Fetcher
	store   *store.Store[Entry]

	ttl               time.Duration
	swr               bool
	staleWindow       time.Duration
	tags              []string
	methods           map[string]bool
	keyFunc           KeyFunc
	revalidateTimeout time.Duration
	clock             clockwork.Clock
	logger            zerolog.Logger

	group singleflight.Group

	mu           sync.Mutex
	tagIndex     map[string]map[string]struct{} // tag -> keys
	keyTags      map[string][]string            // key -> tags
	revalidating map[string]bool
	inflight     map[string]*flight // key -> upstream fetch in progress
	closed       bool
	wg           sync.WaitGroup
}

// flight is one upstream fetch. An invalidation that selects it while it
// runs marks it invalidated so its response is returned but not stored.
type flight struct {
	tags        []string
	invalidated bool
}

// New creates a response cache in front of fetcher. Tags of entries already
// in the store (for example restored from persistence) are re-indexed.
func New(fetcher Fetcher, cfg Config) (*Cache, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must be >= 0 (got %s)", cfg.TTL)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = cfg.TTL
	}
	if cfg.RevalidateTimeout <= 0 {
		cfg.RevalidateTimeout = DefaultRevalidateTimeout
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = RequestKey
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{http.MethodGet, http.MethodHead}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("responsecache")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	methods := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToUpper(m)] = true
	}

	c := &Cache{
		fetcher:           fetcher,
		store:             cfg.Store,
		ttl:               cfg.TTL,
		swr:               cfg.StaleWhileRevalidate,
		staleWindow:       cfg.StaleWindow,
		tags:              append([]string(nil), cfg.Tags...),
		methods:           methods,
		keyFunc:           cfg.KeyFunc,
		revalidateTimeout: cfg.RevalidateTimeout,
		clock:             cfg.Clock,
		logger:            logger.With().Str("cache", cfg.Store.Name()).Logger(),
		tagIndex:          make(map[string]map[string]struct{}),
		keyTags:           make(map[string][]string),
		revalidating:      make(map[string]bool),
		inflight:          make(map[string]*flight),
	}

	for _, key := range c.store.Keys() {
		if entry, ok := c.store.Peek(key); ok {
			c.indexLocked(key, entry.Tags)
		}
	}

	return c, nil
}

// Do fetches req through the cache with default options.
func (c *Cache) Do(req *http.Request) (*http.Response, error) {
	return c.Fetch(req, FetchOptions{})
}

// RoundTrip implements http.RoundTripper so the cache can serve as an
// http.Client transport. The wrapped fetcher must then use a different
// transport, or requests would loop.
func (c *Cache) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Fetch(req, FetchOptions{})
}

// Fetch returns a cached response for req when a fresh one exists. With
// stale-while-revalidate a stale entry is returned immediately and
// refreshed in the background. Otherwise the request goes upstream once per
// key no matter how many callers are waiting, and 2xx responses are stored.
func (c *Cache) Fetch(req *http.Request, opts FetchOptions) (*http.Response, error) {
	if !c.methods[strings.ToUpper(req.Method)] {
		fetchTotal.WithLabelValues("bypass").Inc()
		return c.fetcher.Do(req)
	}

	key := c.keyFunc(req)

	var stale *Entry
	if entry, ok := c.store.Get(key); ok {
		if entry.IsFresh(c.clock.Now()) {
			fetchTotal.WithLabelValues("hit").Inc()
			c.logger.Debug().Str("key", key).Msg("Cache hit")
			return entry.Response(req), nil
		}

		if c.swr {
			fetchTotal.WithLabelValues("stale").Inc()
			c.logger.Debug().Str("key", key).Msg("Serving stale entry while revalidating")
			c.revalidate(key, req, opts, &entry)
			return entry.Response(req), nil
		}
		stale = &entry
	}

	entry, shared, err := c.load(key, req, opts, stale)
	if err != nil {
		return nil, err
	}

	if shared {
		fetchTotal.WithLabelValues("coalesced").Inc()
	} else {
		fetchTotal.WithLabelValues("miss").Inc()
	}
	return entry.Response(req), nil
}

// Refresh fetches req from upstream regardless of freshness and stores a
// successful result. A failure leaves any existing entry in place. 5xx
// responses are reported as *UpstreamError.
func (c *Cache) Refresh(req *http.Request, opts FetchOptions) (*Entry, error) {
	key := c.keyFunc(req)

	var stale *Entry
	if entry, ok := c.store.Peek(key); ok {
		stale = &entry
	}

	entry, _, err := c.load(key, req, opts, stale)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(key, entry); err != nil {
		return nil, err
	}
	return entry.Clone(), nil
}

// Lookup returns a copy of the fresh entry stored under key. An entry kept
// only for stale-while-revalidate is reported as absent and is not counted
// as a hit.
func (c *Cache) Lookup(key string) (*Entry, bool) {
	if entry, ok := c.store.Peek(key); ok && !entry.IsFresh(c.clock.Now()) {
		return nil, false
	}

	entry, ok := c.store.Get(key)
	if !ok || !entry.IsFresh(c.clock.Now()) {
		return nil, false
	}
	return entry.Clone(), true
}

// Put stores entry under key as if it had just been fetched. Only 2xx
// entries are stored; Put reports whether the entry was kept.
func (c *Cache) Put(key string, entry *Entry, opts FetchOptions) bool {
	if entry == nil || !IsSuccess(entry.StatusCode) {
		return false
	}

	now := c.clock.Now()
	stored := entry.Clone()
	stored.StoredAt = now
	c.stamp(stored, opts, now)
	c.put(key, stored, c.ttlFor(opts))
	return true
}

// InvalidateByTag removes every entry carrying tag and returns how many
// live entries were removed. Fetches in flight that would store under tag
// do not store their response.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	keys := make([]string, 0, len(c.tagIndex[tag]))
	for key := range c.tagIndex[tag] {
		keys = append(keys, key)
	}
	n := c.invalidateLocked(keys, func(_ string, fl *flight) bool {
		return slices.Contains(fl.tags, tag)
	})
	c.mu.Unlock()

	invalidations.WithLabelValues("tag").Add(float64(n))
	c.logger.Debug().Str("tag", tag).Int("removed", n).Msg("Invalidated by tag")
	return n
}

// InvalidatePattern removes every entry whose key contains pattern.
func (c *Cache) InvalidatePattern(pattern string) int {
	n := c.invalidateMatching(func(key string) bool {
		return strings.Contains(key, pattern)
	})
	invalidations.WithLabelValues("pattern").Add(float64(n))
	c.logger.Debug().Str("pattern", pattern).Int("removed", n).Msg("Invalidated by pattern")
	return n
}

// InvalidateRegexp removes every entry whose key matches re.
func (c *Cache) InvalidateRegexp(re *regexp.Regexp) int {
	n := c.invalidateMatching(re.MatchString)
	invalidations.WithLabelValues("regexp").Add(float64(n))
	c.logger.Debug().Str("pattern", re.String()).Int("removed", n).Msg("Invalidated by regexp")
	return n
}

// Stats returns the underlying store statistics.
func (c *Cache) Stats() store.Stats {
	return c.store.Stats()
}

// Close stops accepting background revalidations and waits for the ones in
// flight. Foreground fetches keep working.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// load performs one coalesced upstream fetch for key.
func (c *Cache) load(key string, req *http.Request, opts FetchOptions, stale *Entry) (*Entry, bool, error) {
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetchAndStore(key, req, opts, stale)
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*Entry), shared, nil
}

func (c *Cache) fetchAndStore(key string, req *http.Request, opts FetchOptions, stale *Entry) (*Entry, error) {
	fl := c.beginFlight(key, opts, stale)
	defer c.endFlight(key, fl)

	out := req
	if ShouldMakeConditionalRequest(stale) {
		out = req.Clone(req.Context())
		AddConditionalHeaders(out, stale)
	}

	resp, err := c.fetcher.Do(out)
	if err != nil {
		upstreamRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	upstreamRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	now := c.clock.Now()
	ttl := c.ttlFor(opts)

	if resp.StatusCode == http.StatusNotModified && stale != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		notModified.Inc()
		renewed := stale.Clone()
		renewed.StoredAt = now
		c.stamp(renewed, opts, now)
		c.land(key, fl, renewed, ttl)

		c.logger.Debug().Str("key", key).Msg("304 Not Modified - renewed cached entry")
		return renewed, nil
	}

	entry, err := ResponseToEntry(resp, now)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	c.stamp(entry, opts, now)

	if IsSuccess(entry.StatusCode) {
		if c.land(key, fl, entry, ttl) {
			c.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached response")
		}
	} else {
		c.logger.Debug().Str("key", key).Int("status", entry.StatusCode).Msg("Not caching non-2xx response")
	}

	return entry, nil
}

// revalidate refreshes key in the background, at most once at a time per key.
func (c *Cache) revalidate(key string, req *http.Request, opts FetchOptions, stale *Entry) {
	c.mu.Lock()
	if c.closed || c.revalidating[key] {
		c.mu.Unlock()
		return
	}
	c.revalidating[key] = true
	c.wg.Add(1)
	c.mu.Unlock()

	// The caller's context ends when its response is delivered.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), c.revalidateTimeout)
	bg := req.Clone(ctx)
	if req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			bg.Body = body
		}
	}

	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.revalidating, key)
			c.mu.Unlock()
		}()

		entry, _, err := c.load(key, bg, opts, stale)
		if err == nil {
			err = CheckStatus(key, entry)
		}

		switch {
		case err != nil:
			revalidations.WithLabelValues("failed").Inc()
			c.logger.Warn().Err(err).Str("key", key).Msg("Background revalidation failed, keeping stale entry")
		case !IsSuccess(entry.StatusCode):
			revalidations.WithLabelValues("failed").Inc()
			c.logger.Warn().Str("key", key).Int("status", entry.StatusCode).Msg("Background revalidation rejected, keeping stale entry")
		default:
			revalidations.WithLabelValues("ok").Inc()
		}
	}()
}

func (c *Cache) ttlFor(opts FetchOptions) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	return c.ttl
}

// stamp sets freshness and tags on an entry about to be stored.
func (c *Cache) stamp(entry *Entry, opts FetchOptions, now time.Time) {
	entry.Expires = now.Add(c.ttlFor(opts))
	entry.Tags = mergeTags(entry.Tags, c.tags, opts.Tags)
}

func (c *Cache) beginFlight(key string, opts FetchOptions, stale *Entry) *flight {
	fl := &flight{tags: mergeTags(c.tags, opts.Tags)}
	if stale != nil {
		fl.tags = mergeTags(stale.Tags, fl.tags)
	}

	c.mu.Lock()
	c.inflight[key] = fl
	c.mu.Unlock()
	return fl
}

func (c *Cache) endFlight(key string, fl *flight) {
	c.mu.Lock()
	if c.inflight[key] == fl {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

// land stores the result of fl unless an invalidation selected it while it
// was in flight, and reports whether the entry was stored.
func (c *Cache) land(key string, fl *flight, entry *Entry, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fl.invalidated {
		c.logger.Debug().Str("key", key).Msg("Discarding response invalidated while in flight")
		return false
	}
	c.putLocked(key, entry, ttl)
	return true
}

func (c *Cache) put(key string, entry *Entry, ttl time.Duration) {
	c.mu.Lock()
	c.putLocked(key, entry, ttl)
	c.mu.Unlock()
}

// putLocked writes the store and the tag index under one hold of c.mu, so
// an invalidation never sees them disagree. With stale-while-revalidate the
// store keeps the entry for the stale window beyond its freshness.
func (c *Cache) putLocked(key string, entry *Entry, ttl time.Duration) {
	storeTTL := ttl
	if c.swr {
		storeTTL += c.staleWindow
	}
	c.store.SetWithTTL(key, *entry, storeTTL)

	c.unindexLocked(key)
	c.indexLocked(key, entry.Tags)
	c.pruneLocked()
}

// invalidateMatching removes stored entries whose key satisfies match and
// keeps matching fetches in flight from storing their response.
func (c *Cache) invalidateMatching(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.invalidateLocked(c.matchingKeys(match), func(key string, _ *flight) bool {
		return match(key)
	})
}

// invalidateLocked deletes keys and marks every fetch in flight selected by
// pending. Their keys are forgotten by the singleflight group, so a fetch
// started after the invalidation goes upstream instead of joining the old
// call.
func (c *Cache) invalidateLocked(keys []string, pending func(key string, fl *flight) bool) int {
	for key, fl := range c.inflight {
		if pending(key, fl) {
			fl.invalidated = true
			c.group.Forget(key)
		}
	}

	removed := 0
	for _, key := range keys {
		if c.store.Delete(key) {
			removed++
		}
		c.unindexLocked(key)
	}
	return removed
}

func (c *Cache) matchingKeys(match func(string) bool) []string {
	var keys []string
	for _, key := range c.store.Keys() {
		if match(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *Cache) indexLocked(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	c.keyTags[key] = tags
	for _, tag := range tags {
		keys, ok := c.tagIndex[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tagIndex[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *Cache) unindexLocked(key string) {
	for _, tag := range c.keyTags[key] {
		delete(c.tagIndex[tag], key)
		if len(c.tagIndex[tag]) == 0 {
			delete(c.tagIndex, tag)
		}
	}
	delete(c.keyTags, key)
}

// pruneLocked drops index entries for keys the store evicted or expired,
// once the index has grown well past the number of live entries.
func (c *Cache) pruneLocked() {
	if len(c.keyTags) <= 2*c.store.Len()+64 {
		return
	}
	for key := range c.keyTags {
		if !c.store.Has(key) {
			c.unindexLocked(key)
		}
	}
}

func mergeTags(sets ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, set := range sets {
		for _, tag := range set {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	return merged
}
