// Package scheduler refreshes cached responses on a timer, independent of
// caller traffic, retrying failures with exponential backoff.
//
// Each Subscription is an explicit state machine:
//
//	Idle -> Fetching -> {Scheduled, Retrying} -> Fetching -> ... -> Stopped
//
// Timers come from an injected clockwork.Clock so tests can drive virtual
// time.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Sternrassler/edge-cache/pkg/logging"
	"github.com/Sternrassler/edge-cache/pkg/responsecache"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scheduler tracks subscriptions by ID.
type Scheduler struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	logger zerolog.Logger
}

// NewScheduler creates an empty scheduler. A nil logger defaults to
// logging.NewLogger("scheduler").
func NewScheduler(logger *zerolog.Logger) *Scheduler {
	l := logging.NewLogger("scheduler")
	if logger != nil {
		l = *logger
	}
	return &Scheduler{
		subs:   make(map[uuid.UUID]*Subscription),
		logger: l,
	}
}

// Subscribe registers an idle subscription; call Start to begin refreshing.
func (s *Scheduler) Subscribe(fetch FetchFunc, cfg Config, handlers Handlers) (*Subscription, error) {
	if fetch == nil {
		return nil, fmt.Errorf("fetch function is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sub := newSubscription(fetch, cfg, handlers, s.logger)

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	return sub, nil
}

// Get returns the subscription registered under id.
func (s *Scheduler) Get(id uuid.UUID) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	return sub, ok
}

// Unsubscribe stops and forgets the subscription, waiting for a running
// handler to return. It reports whether id was registered. Handlers must
// not call it.
func (s *Scheduler) Unsubscribe(id uuid.UUID) bool {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if ok {
		sub.StopWait()
	}
	return ok
}

// Len returns the number of registered subscriptions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// StopAll stops every subscription and waits for running handlers to
// return. They stay registered and can be started again. Handlers must not
// call it.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.StopWait()
	}
	s.logger.Info().Int("subscriptions", len(subs)).Msg("Stopped all subscriptions")
}

// RequestFetcher returns a FetchFunc that refreshes the request built by
// newRequest through cache, bypassing freshness. Server errors are
// returned as *responsecache.UpstreamError; any other non-2xx status is
// also a failed fetch.
func RequestFetcher(cache *responsecache.Cache, newRequest func(ctx context.Context) (*http.Request, error)) FetchFunc {
	return func(ctx context.Context) (*responsecache.Entry, error) {
		req, err := newRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		entry, err := cache.Refresh(req, responsecache.FetchOptions{})
		if err != nil {
			return nil, err
		}
		if !responsecache.IsSuccess(entry.StatusCode) {
			return nil, fmt.Errorf("refresh %s: unexpected status %d", req.URL, entry.StatusCode)
		}
		return entry, nil
	}
}

// GetRequest is a newRequest helper for RequestFetcher issuing a GET to url.
func GetRequest(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}
