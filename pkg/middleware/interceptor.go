// Package middleware serves configured request paths from a response cache.
//
// Requests whose method is cacheable and whose path matches a configured
// pattern are answered from the cache when a fresh entry exists; otherwise
// the downstream handler runs and a 2xx response is stored under the
// request path plus query. Everything else passes straight through.
package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/Sternrassler/edge-cache/pkg/logging"
	"github.com/Sternrassler/edge-cache/pkg/responsecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// HeaderCache reports whether a response was served from the cache.
const HeaderCache = "X-Cache"

var interceptedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "edgecache_middleware_requests_total",
	Help: "Total requests seen by the caching middleware by result",
}, []string{"result"}) // "hit", "miss", "pass"

// Config holds the interceptor configuration.
type Config struct {
	// Patterns select cached paths. A pattern matches a path exactly; a
	// pattern ending in "/" or "/*" matches the whole subtree; anything
	// else is a path.Match glob ("/api/users/*/profile").
	Patterns []string

	// TTL of stored responses. Must be > 0.
	TTL time.Duration

	// Cache holds the responses. Required.
	Cache *responsecache.Cache

	// Methods are eligible for caching (default GET and HEAD). Responses
	// are only stored for GET; HEAD is answered from stored GET entries.
	Methods []string

	// Tags are attached to every stored response.
	Tags []string

	// Logger defaults to logging.NewLogger("middleware").
	Logger *zerolog.Logger
}

// Interceptor is the caching middleware.
type Interceptor struct {
	patterns []string
	ttl      time.Duration
	cache    *responsecache.Cache
	methods  map[string]bool
	tags     []string
	logger   zerolog.Logger
}

// New validates cfg and creates an interceptor.
func New(cfg Config) (*Interceptor, error) {
	if len(cfg.Patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}
	for _, pattern := range cfg.Patterns {
		if pattern == "" {
			return nil, fmt.Errorf("empty pattern")
		}
		if _, err := path.Match(pattern, "/"); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be > 0 (got %s)", cfg.TTL)
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{http.MethodGet, http.MethodHead}
	}

	logger := logging.NewLogger("middleware")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	methods := make(map[string]bool, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods[strings.ToUpper(m)] = true
	}

	return &Interceptor{
		patterns: append([]string(nil), cfg.Patterns...),
		ttl:      cfg.TTL,
		cache:    cfg.Cache,
		methods:  methods,
		tags:     append([]string(nil), cfg.Tags...),
		logger:   logger,
	}, nil
}

// Matches reports whether urlPath matches any configured pattern.
func (i *Interceptor) Matches(urlPath string) bool {
	for _, pattern := range i.patterns {
		if matchPattern(pattern, urlPath) {
			return true
		}
	}
	return false
}

// Lookup returns the fresh cached response for r, if r is eligible.
func (i *Interceptor) Lookup(r *http.Request) (*responsecache.Entry, bool) {
	if !i.eligible(r) {
		return nil, false
	}
	return i.cache.Lookup(responsecache.PathKey(r))
}

// Handler wraps next with the cache.
func (i *Interceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !i.eligible(r) {
			interceptedRequests.WithLabelValues("pass").Inc()
			next.ServeHTTP(w, r)
			return
		}

		key := responsecache.PathKey(r)
		if entry, ok := i.cache.Lookup(key); ok {
			i.replay(w, key, entry)
			return
		}

		interceptedRequests.WithLabelValues("miss").Inc()
		w.Header().Set(HeaderCache, "MISS")

		cw := &captureWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		status, header := cw.result()
		i.store(r, key, status, header, cw.body.Bytes())
	})
}

func (i *Interceptor) eligible(r *http.Request) bool {
	return i.methods[r.Method] && i.Matches(r.URL.Path)
}

// replay writes a cached entry to w.
func (i *Interceptor) replay(w http.ResponseWriter, key string, entry *responsecache.Entry) {
	interceptedRequests.WithLabelValues("hit").Inc()
	i.logger.Debug().Str("key", key).Msg("Serving cached response")

	header := w.Header()
	for name, values := range entry.Header {
		header[name] = append([]string(nil), values...)
	}
	header.Set(HeaderCache, "HIT")

	w.WriteHeader(entry.StatusCode)
	w.Write(entry.Body)
}

// store caches a completed downstream response. Non-2xx responses,
// non-GET requests and responses that vary by request headers are never
// stored.
func (i *Interceptor) store(r *http.Request, key string, status int, header http.Header, body []byte) {
	if r.Method != http.MethodGet {
		return
	}
	if !responsecache.IsSuccess(status) {
		i.logger.Debug().Str("key", key).Int("status", status).Msg("Not caching non-2xx response")
		return
	}
	if variesByRequest(header) {
		i.logger.Debug().Str("key", key).Msg("Not caching encoded or varying response")
		return
	}

	header = header.Clone()
	header.Del(HeaderCache)

	resp := &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       http.NoBody,
	}
	entry, err := responsecache.ResponseToEntry(resp, time.Now())
	if err != nil {
		i.logger.Warn().Err(err).Str("key", key).Msg("Failed to capture response")
		return
	}
	entry.Body = append([]byte(nil), body...)

	i.cache.Put(key, entry, responsecache.FetchOptions{TTL: i.ttl, Tags: i.tags})
	i.logger.Debug().Str("key", key).Dur("ttl", i.ttl).Msg("Cached response")
}

// variesByRequest reports whether the response depends on request headers
// the cache key ignores: a Vary list or a content coding negotiated through
// Accept-Encoding.
func variesByRequest(header http.Header) bool {
	if header.Get("Vary") != "" {
		return true
	}
	encoding := strings.TrimSpace(header.Get("Content-Encoding"))
	return encoding != "" && !strings.EqualFold(encoding, "identity")
}

func matchPattern(pattern, urlPath string) bool {
	if pattern == urlPath {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
	}
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(urlPath, pattern)
	}
	ok, err := path.Match(pattern, urlPath)
	return err == nil && ok
}

// captureWriter passes the response through to the client while keeping a
// copy of status, headers and body.
type captureWriter struct {
	http.ResponseWriter
	status int
	header http.Header
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	w.header = w.ResponseWriter.Header().Clone()
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Flush lets streaming handlers such as httputil.ReverseProxy flush through.
func (w *captureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// result returns the status and headers as sent; a handler that never
// wrote anything answered 200.
func (w *captureWriter) result() (int, http.Header) {
	if w.status == 0 {
		return http.StatusOK, w.ResponseWriter.Header()
	}
	return w.status, w.header
}
