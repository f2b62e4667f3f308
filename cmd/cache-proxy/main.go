package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/edge-cache/pkg/logging"
	"github.com/Sternrassler/edge-cache/pkg/metrics"
	"github.com/Sternrassler/edge-cache/pkg/middleware"
	"github.com/Sternrassler/edge-cache/pkg/persist"
	"github.com/Sternrassler/edge-cache/pkg/responsecache"
	"github.com/Sternrassler/edge-cache/pkg/scheduler"
	"github.com/Sternrassler/edge-cache/pkg/store"
	"github.com/Sternrassler/edge-cache/pkg/warmup"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// config is the proxy configuration read from the environment.
type config struct {
	Port            string
	UpstreamURL     string
	MaxSize         int
	TTL             time.Duration
	Patterns        []string
	SWR             bool
	RedisURL        string
	FileDir         string
	StorageKey      string
	WarmPaths       []string
	RefreshPaths    []string
	RefreshInterval time.Duration
}

func main() {
	logging.Setup(logging.ConfigFromEnv())
	logger := logging.NewLogger("cache-proxy")

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open persistence storage")
	}
	defer closeStorage()

	a, err := newApp(cfg, storage, http.DefaultClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create cache proxy")
	}
	defer a.close()

	a.warm(ctx)
	if err := a.startRefresh(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to schedule refresh")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("addr", server.Addr).
		Str("upstream", cfg.UpstreamURL).
		Strs("patterns", cfg.Patterns).
		Msg("Starting cache proxy")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Cache proxy stopped")
}

func loadConfig() (config, error) {
	cfg := config{
		Port:         getEnv("PORT", "8080"),
		UpstreamURL:  getEnv("UPSTREAM_URL", ""),
		Patterns:     getEnvList("CACHE_PATTERNS", []string{"/"}),
		RedisURL:     getEnv("REDIS_URL", ""),
		FileDir:      getEnv("CACHE_FILE_DIR", ""),
		StorageKey:   getEnv("CACHE_STORAGE_KEY", "edge-cache"),
		WarmPaths:    getEnvList("WARM_PATHS", nil),
		RefreshPaths: getEnvList("REFRESH_PATHS", nil),
	}

	if cfg.UpstreamURL == "" {
		return cfg, fmt.Errorf("UPSTREAM_URL is required")
	}

	var err error
	if cfg.MaxSize, err = getEnvInt("CACHE_MAX_SIZE", 1000); err != nil {
		return cfg, err
	}
	if cfg.TTL, err = getEnvDuration("CACHE_TTL", 5*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.SWR, err = getEnvBool("CACHE_SWR", false); err != nil {
		return cfg, err
	}
	if cfg.RefreshInterval, err = getEnvDuration("REFRESH_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// openStorage picks the persistence medium: Redis, then a directory, then
// none. The returned close function is always non-nil.
func openStorage(ctx context.Context, cfg config) (persist.Storage, func(), error) {
	switch {
	case cfg.RedisURL != "":
		opts := &redis.Options{Addr: cfg.RedisURL}
		if strings.HasPrefix(cfg.RedisURL, "redis://") || strings.HasPrefix(cfg.RedisURL, "rediss://") {
			parsed, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, func() {}, fmt.Errorf("parse REDIS_URL: %w", err)
			}
			opts = parsed
		}

		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, func() {}, fmt.Errorf("connect to redis: %w", err)
		}
		return persist.NewRedisStorage(redisClient), func() { redisClient.Close() }, nil

	case cfg.FileDir != "":
		fs, err := persist.NewFileStorage(cfg.FileDir)
		if err != nil {
			return nil, func() {}, err
		}
		return fs, func() {}, nil
	}

	return nil, func() {}, nil
}

// app wires the cache layers in front of one upstream.
type app struct {
	cfg         config
	upstream    *url.URL
	store       *store.Store[responsecache.Entry]
	cache       *responsecache.Cache
	interceptor *middleware.Interceptor
	scheduler   *scheduler.Scheduler
	logger      zerolog.Logger
}

func newApp(cfg config, storage persist.Storage, client *http.Client, logger zerolog.Logger) (*app, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid UPSTREAM_URL %q", cfg.UpstreamURL)
	}

	st, err := store.New[responsecache.Entry](store.Config{
		Name:       "proxy",
		MaxSize:    cfg.MaxSize,
		TTL:        cfg.TTL,
		Persistent: storage != nil,
		StorageKey: cfg.StorageKey,
		Storage:    storage,
		Logger:     &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	// Keyed by path so entries stored by the middleware, the warmer and
	// the scheduler are shared.
	cache, err := responsecache.New(client, responsecache.Config{
		Store:                st,
		TTL:                  cfg.TTL,
		StaleWhileRevalidate: cfg.SWR,
		KeyFunc:              responsecache.PathKey,
		Logger:               &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	interceptor, err := middleware.New(middleware.Config{
		Patterns: cfg.Patterns,
		TTL:      cfg.TTL,
		Cache:    cache,
		Logger:   &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create middleware: %w", err)
	}

	return &app{
		cfg:         cfg,
		upstream:    upstream,
		store:       st,
		cache:       cache,
		interceptor: interceptor,
		scheduler:   scheduler.NewScheduler(&logger),
		logger:      logger,
	}, nil
}

func (a *app) routes() http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(a.upstream)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/stats", a.statsHandler)
	mux.HandleFunc("/invalidate", a.invalidateHandler)
	mux.Handle("/", a.interceptor.Handler(proxy))
	return mux
}

// upstreamURL resolves a proxied path against the upstream.
func (a *app) upstreamURL(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return a.upstream.String() + path
	}
	return a.upstream.ResolveReference(ref).String()
}

func (a *app) warm(ctx context.Context) {
	if len(a.cfg.WarmPaths) == 0 {
		return
	}

	urls := make([]string, len(a.cfg.WarmPaths))
	for i, p := range a.cfg.WarmPaths {
		urls[i] = a.upstreamURL(p)
	}

	result, err := warmup.NewWarmer(a.cache, warmup.DefaultConfig()).WarmAll(ctx, urls)
	if err != nil {
		a.logger.Warn().Err(err).Int("warmed", result.Warmed).Msg("Cache warmup incomplete")
	}
}

func (a *app) startRefresh() error {
	for _, p := range a.cfg.RefreshPaths {
		path := p
		sub, err := a.scheduler.Subscribe(
			scheduler.RequestFetcher(a.cache, scheduler.GetRequest(a.upstreamURL(path))),
			scheduler.Config{
				Interval:     a.cfg.RefreshInterval,
				RetryOnError: true,
				MaxRetries:   3,
				Timeout:      30 * time.Second,
			},
			scheduler.Handlers{
				OnError: func(err error) {
					a.logger.Warn().Err(err).Str("path", path).Msg("Background refresh failed")
				},
			},
		)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", path, err)
		}
		sub.Start()
	}
	return nil
}

func (a *app) close() {
	a.scheduler.StopAll()
	a.cache.Close()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type statsResponse struct {
	store.Stats
	Subscriptions int `json:"subscriptions"`
}

func (a *app) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:         a.store.Stats(),
		Subscriptions: a.scheduler.Len(),
	})
}

// invalidateHandler handles POST /invalidate?tag=... or ?pattern=...
func (a *app) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var removed int
	switch q := r.URL.Query(); {
	case q.Get("tag") != "":
		removed = a.cache.InvalidateByTag(q.Get("tag"))
	case q.Get("pattern") != "":
		removed = a.cache.InvalidatePattern(q.Get("pattern"))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tag or pattern is required"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// getEnvDuration accepts Go durations ("90s") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
