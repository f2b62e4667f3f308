package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single Load or Save against the storage medium.
const DefaultTimeout = 2 * time.Second

var (
	persistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecache_persist_errors_total",
		Help: "Total number of swallowed persistence failures by operation",
	}, []string{"operation"}) // "load", "save"

	persistDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecache_persist_expired_dropped_total",
		Help: "Total number of expired records discarded while loading a snapshot",
	})
)

// Record is the persisted form of one cache entry.
type Record struct {
	// Value is the JSON-encoded entry payload.
	Value json.RawMessage `json:"value"`

	// Timestamp is when the entry was written, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// TTL is the entry lifetime in milliseconds.
	TTL int64 `json:"ttl"`
}

// ExpiresAt returns the instant the record stops being valid.
func (r Record) ExpiresAt() time.Time {
	return time.UnixMilli(r.Timestamp + r.TTL)
}

// Expired reports whether timestamp + ttl <= now.
func (r Record) Expired(now time.Time) bool {
	return r.Timestamp+r.TTL <= now.UnixMilli()
}

// Adapter serializes a whole cache snapshot under one storage key.
// All failures are logged and counted but never returned: persistence is
// best-effort and the cache keeps running purely in memory without it.
type Adapter struct {
	storage Storage
	key     string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewAdapter creates an adapter writing to storage under key.
// A non-positive timeout falls back to DefaultTimeout.
func NewAdapter(storage Storage, key string, logger zerolog.Logger, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{
		storage: storage,
		key:     key,
		timeout: timeout,
		logger:  logger.With().Str("storage_key", key).Logger(),
	}
}

// Load reads the snapshot and returns every record still valid at now.
func (a *Adapter) Load(now time.Time) map[string]Record {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	data, err := a.storage.Read(ctx, a.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.logger.Debug().Msg("No persisted snapshot found")
			return map[string]Record{}
		}
		persistErrors.WithLabelValues("load").Inc()
		a.logger.Warn().Err(err).Msg("Failed to read persisted snapshot")
		return map[string]Record{}
	}

	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		persistErrors.WithLabelValues("load").Inc()
		a.logger.Warn().Err(err).Msg("Discarding corrupt persisted snapshot")
		return map[string]Record{}
	}

	live := make(map[string]Record, len(records))
	for key, rec := range records {
		if rec.Expired(now) {
			persistDropped.Inc()
			continue
		}
		live[key] = rec
	}

	a.logger.Debug().
		Int("records", len(records)).
		Int("live", len(live)).
		Msg("Loaded persisted snapshot")

	return live
}

// Save writes records as the new snapshot.
func (a *Adapter) Save(records map[string]Record) {
	data, err := json.Marshal(records)
	if err != nil {
		persistErrors.WithLabelValues("save").Inc()
		a.logger.Warn().Err(err).Msg("Failed to encode snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.storage.Write(ctx, a.key, data); err != nil {
		persistErrors.WithLabelValues("save").Inc()
		a.logger.Warn().Err(err).Msg("Failed to write snapshot")
	}
}
