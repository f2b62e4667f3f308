// Package store provides a bounded, TTL-aware, LRU-evicting in-memory cache
// with hit/miss statistics and optional write-through persistence.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/edge-cache/pkg/logging"
	"github.com/Sternrassler/edge-cache/pkg/persist"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config holds the store configuration.
type Config struct {
	// Name labels metrics and log lines for this store instance.
	Name string

	// MaxSize bounds the number of entries. Must be > 0.
	MaxSize int

	// TTL is the default entry lifetime. Must be > 0.
	TTL time.Duration

	// Persistence
	Persistent     bool            // Restore on construction, write through on mutation
	StorageKey     string          // Blob key in Storage (required if Persistent)
	Storage        persist.Storage // Durable medium (required if Persistent)
	PersistTimeout time.Duration   // Per load/save deadline (default persist.DefaultTimeout)

	// Clock drives expiry. Defaults to the real (monotonic) clock.
	Clock clockwork.Clock

	// Logger defaults to logging.NewLogger("store").
	Logger *zerolog.Logger
}

// DefaultConfig returns an in-memory configuration with 1000 entries and a
// five minute TTL.
func DefaultConfig() Config {
	return Config{
		Name:    "default",
		MaxSize: 1000,
		TTL:     5 * time.Minute,
	}
}

// item is the internal record for one key.
type item[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
	ttl       time.Duration
}

func (it *item[V]) expired(now time.Time) bool {
	return !now.Before(it.expiresAt)
}

// Store is a bounded key/value cache. All methods are safe for concurrent
// use and never fail; values are returned by copy, so V should not carry
// references the caller intends to mutate.
type Store[V any] struct {
	mu sync.Mutex

	// persistMu serializes snapshot writes in mutation order.
	persistMu sync.Mutex

	name    string
	maxSize int
	ttl     time.Duration
	entries *simplelru.LRU[string, *item[V]] // oldest first in Keys()
	clock   clockwork.Clock
	logger  zerolog.Logger
	adapter *persist.Adapter

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// New validates cfg and creates a store. When cfg.Persistent is set the
// previously saved snapshot is restored before New returns.
func New[V any](cfg Config) (*Store[V], error) {
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("max_size must be > 0 (got %d)", cfg.MaxSize)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be > 0 (got %s)", cfg.TTL)
	}
	if cfg.Persistent {
		if cfg.StorageKey == "" {
			return nil, fmt.Errorf("storage_key is required when persistent")
		}
		if cfg.Storage == nil {
			return nil, fmt.Errorf("storage is required when persistent")
		}
	}

	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	logger := logging.NewLogger("store")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("cache", cfg.Name).Logger()

	entries, err := simplelru.NewLRU[string, *item[V]](cfg.MaxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	s := &Store[V]{
		name:    cfg.Name,
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		entries: entries,
		clock:   cfg.Clock,
		logger:  logger,
	}

	if cfg.Persistent {
		s.adapter = persist.NewAdapter(cfg.Storage, cfg.StorageKey, logger, cfg.PersistTimeout)
		s.restore()
	}

	storeEntries.WithLabelValues(s.name).Set(float64(s.entries.Len()))
	return s, nil
}

// restore loads the persisted snapshot. Records are replayed oldest first
// so recency order approximates the order they were written in.
func (s *Store[V]) restore() {
	records := s.adapter.Load(s.clock.Now())

	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := records[keys[i]], records[keys[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return keys[i] < keys[j]
	})

	restored := 0
	for _, key := range keys {
		rec := records[key]

		var value V
		if err := json.Unmarshal(rec.Value, &value); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable persisted entry")
			continue
		}

		createdAt := time.UnixMilli(rec.Timestamp)
		ttl := time.Duration(rec.TTL) * time.Millisecond
		// simplelru drops the oldest entry itself if the snapshot is larger
		// than MaxSize.
		s.entries.Add(key, &item[V]{
			value:     value,
			createdAt: createdAt,
			expiresAt: createdAt.Add(ttl),
			ttl:       ttl,
		})
		restored++
	}

	s.logger.Info().Int("entries", s.entries.Len()).Int("restored", restored).Msg("Restored cache from storage")
}

// Set stores value under key with the store's default TTL.
func (s *Store[V]) Set(key string, value V) {
	s.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A non-positive ttl uses the default.
// Overwriting replaces value, TTL and timestamp and marks the key most
// recently used; it is counted as neither hit nor miss.
func (s *Store[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	s.mu.Lock()
	now := s.clock.Now()

	if !s.entries.Contains(key) && s.entries.Len() >= s.maxSize {
		s.sweepLocked(now)
		if s.entries.Len() >= s.maxSize {
			s.evictLocked()
		}
	}

	s.entries.Add(key, &item[V]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		ttl:       ttl,
	})

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cache set")
	s.commitLocked()
}

// Get returns the live value for key. A hit marks the key most recently
// used; a missing or expired key is a miss and leaves recency untouched.
func (s *Store[V]) Get(key string) (V, bool) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.entries.Peek(key)
	if !ok {
		s.missLocked()
		return zero, false
	}

	if it.expired(s.clock.Now()) {
		// Lazy deletion; the next snapshot drops it anyway.
		s.entries.Remove(key)
		s.expirations++
		storeExpirations.WithLabelValues(s.name).Inc()
		storeEntries.WithLabelValues(s.name).Set(float64(s.entries.Len()))
		s.missLocked()
		return zero, false
	}

	s.entries.Get(key)
	s.hits++
	storeHits.WithLabelValues(s.name).Inc()
	return it.value, true
}

// Peek returns the live value for key without touching recency or stats.
func (s *Store[V]) Peek(key string) (V, bool) {
	var zero V

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.entries.Peek(key)
	if !ok || it.expired(s.clock.Now()) {
		return zero, false
	}
	return it.value, true
}

// Has reports whether key holds a live entry. It does not affect recency
// or statistics.
func (s *Store[V]) Has(key string) bool {
	_, ok := s.Peek(key)
	return ok
}

// Delete removes key and reports whether a live entry was removed.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()

	it, ok := s.entries.Peek(key)
	if !ok {
		s.mu.Unlock()
		return false
	}

	live := !it.expired(s.clock.Now())
	s.entries.Remove(key)
	s.commitLocked()
	return live
}

// Clear removes every entry. Cumulative statistics are kept; use
// ResetStats to zero them.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	s.entries.Purge()
	s.logger.Debug().Msg("Cache cleared")
	s.commitLocked()
}

// ResetStats zeroes the hit, miss, eviction and expiration counters.
func (s *Store[V]) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits, s.misses, s.evictions, s.expirations = 0, 0, 0, 0
}

// Len returns the number of live entries. Expired entries are swept first.
func (s *Store[V]) Len() int {
	s.mu.Lock()

	if s.sweepLocked(s.clock.Now()) == 0 {
		n := s.entries.Len()
		s.mu.Unlock()
		return n
	}

	n := s.entries.Len()
	s.commitLocked()
	return n
}

// Keys returns the live keys from least to most recently used.
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	keys := make([]string, 0, s.entries.Len())
	for _, key := range s.entries.Keys() {
		if it, ok := s.entries.Peek(key); ok && !it.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns a point-in-time view of the counters. Size counts live
// entries, matching Len, but leaves expired ones for the next sweep.
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	live := 0
	for _, key := range s.entries.Keys() {
		if it, ok := s.entries.Peek(key); ok && !it.expired(now) {
			live++
		}
	}
	return newStats(s.hits, s.misses, s.evictions, s.expirations, live)
}

// Name returns the store name used in metrics and logs.
func (s *Store[V]) Name() string {
	return s.name
}

func (s *Store[V]) missLocked() {
	s.misses++
	storeMisses.WithLabelValues(s.name).Inc()
}

// sweepLocked drops every expired entry and returns how many were removed.
func (s *Store[V]) sweepLocked(now time.Time) int {
	removed := 0
	for _, key := range s.entries.Keys() {
		if it, ok := s.entries.Peek(key); ok && it.expired(now) {
			s.entries.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		s.expirations += int64(removed)
		storeExpirations.WithLabelValues(s.name).Add(float64(removed))
		s.logger.Debug().Int("removed", removed).Msg("Swept expired entries")
	}
	return removed
}

// evictLocked removes the least recently used entry. Entries never read
// since insertion are ordered by insertion, oldest first.
func (s *Store[V]) evictLocked() {
	key, _, ok := s.entries.RemoveOldest()
	if !ok {
		return
	}
	s.evictions++
	storeEvictions.WithLabelValues(s.name).Inc()
	s.logger.Debug().Str("key", key).Msg("Evicted least recently used entry")
}

// commitLocked must be called with s.mu held; it releases s.mu and writes
// the snapshot. persistMu is taken before s.mu is released so snapshots
// reach storage in mutation order.
func (s *Store[V]) commitLocked() {
	storeEntries.WithLabelValues(s.name).Set(float64(s.entries.Len()))

	if s.adapter == nil {
		s.mu.Unlock()
		return
	}

	records := s.snapshotLocked()
	s.persistMu.Lock()
	s.mu.Unlock()

	s.adapter.Save(records)
	s.persistMu.Unlock()
}

func (s *Store[V]) snapshotLocked() map[string]persist.Record {
	now := s.clock.Now()
	records := make(map[string]persist.Record, s.entries.Len())

	for _, key := range s.entries.Keys() {
		it, ok := s.entries.Peek(key)
		if !ok || it.expired(now) {
			continue
		}

		data, err := json.Marshal(it.value)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Skipping unserializable entry")
			continue
		}

		records[key] = persist.Record{
			Value:     data,
			Timestamp: it.createdAt.UnixMilli(),
			TTL:       it.ttl.Milliseconds(),
		}
	}
	return records
}
