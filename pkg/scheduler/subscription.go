package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/edge-cache/pkg/responsecache"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = 1 * time.Second

	// DefaultMaxBackoff caps the retry delay.
	DefaultMaxBackoff = 1 * time.Minute
)

// State is the lifecycle state of a subscription.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateScheduled
	StateRetrying
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateScheduled:
		return "scheduled"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FetchFunc performs one refresh.
type FetchFunc func(ctx context.Context) (*responsecache.Entry, error)

// Handlers receive the outcome of background fetches. Both are optional.
// Handlers may call Stop on their own subscription but not Refresh.
type Handlers struct {
	OnData  func(entry *responsecache.Entry)
	OnError func(err error)
}

// Config holds the refresh configuration of one subscription.
type Config struct {
	// Interval between successful fetches. Must be > 0.
	Interval time.Duration

	// RetryOnError retries failed fetches with exponential backoff before
	// reporting them.
	RetryOnError bool

	// MaxRetries bounds retries per failure streak. Must be >= 0.
	MaxRetries int

	// BackoffBase is the first retry delay (default DefaultBackoffBase).
	// Retry n waits BackoffBase * 2^n.
	BackoffBase time.Duration

	// MaxBackoff caps the retry delay (default DefaultMaxBackoff).
	MaxBackoff time.Duration

	// Timeout bounds a single fetch. Zero means no deadline.
	Timeout time.Duration

	// Clock arms the timers. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns a one minute refresh with three retries.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		RetryOnError: true,
		MaxRetries:   3,
		BackoffBase:  DefaultBackoffBase,
		MaxBackoff:   DefaultMaxBackoff,
	}
}

func (c *Config) validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be > 0 (got %s)", c.Interval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Subscription re-runs a fetch on a timer.
//
// Every transition that invalidates pending work (Start, Stop, Refresh)
// bumps gen; timer callbacks and fetch completions carry the generation
// they were started under and are dropped when it no longer matches.
type Subscription struct {
	id       uuid.UUID
	fetch    FetchFunc
	cfg      Config
	handlers Handlers
	logger   zerolog.Logger

	mu      sync.Mutex
	state   State
	retries int
	gen     uint64
	timer   clockwork.Timer

	// cbMu keeps callbacks of one subscription from overlapping.
	cbMu sync.Mutex
}

func newSubscription(fetch FetchFunc, cfg Config, handlers Handlers, logger zerolog.Logger) *Subscription {
	id := uuid.New()
	return &Subscription{
		id:       id,
		fetch:    fetch,
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With().Str("subscription", id.String()).Logger(),
		state:    StateIdle,
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns the number of retries in the current failure streak.
func (s *Subscription) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Start fetches immediately and keeps refreshing every Interval. It is a
// no-op unless the subscription is idle or stopped.
func (s *Subscription) Start() {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.state = StateFetching
	s.retries = 0
	s.mu.Unlock()

	activeSubscriptions.Inc()
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("Subscription started")

	go s.run(gen)
}

// Stop cancels the pending timer. A fetch already in flight is not aborted
// but its result is discarded. Stop is idempotent and may be called from
// a handler. A handler already running on another goroutine may still be
// returning when Stop does; StopWait waits for it.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	wasRunning := s.state != StateIdle
	s.gen++
	s.stopTimerLocked()
	s.state = StateStopped
	s.retries = 0
	s.mu.Unlock()

	if wasRunning {
		activeSubscriptions.Dec()
	}
	s.logger.Info().Msg("Subscription stopped")
}

// StopWait stops the subscription and waits for a running handler to
// return, so no handler runs after StopWait returns. It must not be called
// from a handler of the same subscription.
func (s *Subscription) StopWait() {
	s.Stop()

	// notify checks the generation while holding cbMu.
	s.cbMu.Lock()
	s.cbMu.Unlock()
}

// Refresh cancels the pending timer, resets the retry streak and fetches in
// the foreground. On a running subscription OnData is notified of success
// and the interval timer is re-armed from now; a failure is returned to the
// caller only. An idle or stopped subscription performs the fetch and stays
// as it is.
func (s *Subscription) Refresh(ctx context.Context) (*responsecache.Entry, error) {
	s.mu.Lock()
	running := s.state != StateIdle && s.state != StateStopped
	if running {
		s.gen++
		s.stopTimerLocked()
		s.state = StateFetching
		s.retries = 0
	}
	gen := s.gen
	s.mu.Unlock()

	entry, err := s.doFetch(ctx)
	if !running {
		return entry, err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		fetchesTotal.WithLabelValues("ignored").Inc()
		return entry, err
	}
	s.armLocked(gen, s.cfg.Interval, StateScheduled)
	s.mu.Unlock()

	if err != nil {
		fetchesTotal.WithLabelValues("failure").Inc()
		s.logger.Warn().Err(err).Msg("Manual refresh failed")
		return nil, err
	}

	fetchesTotal.WithLabelValues("success").Inc()
	if s.handlers.OnData != nil {
		s.notify(gen, func() { s.handlers.OnData(entry) })
	}
	return entry, nil
}

// run performs one background fetch for generation gen.
func (s *Subscription) run(gen uint64) {
	entry, err := s.doFetch(context.Background())
	s.complete(gen, entry, err)
}

func (s *Subscription) doFetch(ctx context.Context) (*responsecache.Entry, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	return s.fetch(ctx)
}

// complete applies the result of a background fetch.
func (s *Subscription) complete(gen uint64, entry *responsecache.Entry, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		fetchesTotal.WithLabelValues("ignored").Inc()
		s.logger.Debug().Msg("Discarding result of superseded fetch")
		return
	}

	if err == nil {
		s.retries = 0
		s.armLocked(gen, s.cfg.Interval, StateScheduled)
		s.mu.Unlock()

		fetchesTotal.WithLabelValues("success").Inc()
		s.logger.Debug().Msg("Scheduled fetch succeeded")
		if s.handlers.OnData != nil {
			s.notify(gen, func() { s.handlers.OnData(entry) })
		}
		return
	}

	fetchesTotal.WithLabelValues("failure").Inc()

	if s.cfg.RetryOnError && s.retries < s.cfg.MaxRetries {
		delay := backoff(s.cfg.BackoffBase, s.cfg.MaxBackoff, s.retries)
		s.retries++
		retry := s.retries
		s.armLocked(gen, delay, StateRetrying)
		s.mu.Unlock()

		retriesTotal.Inc()
		retryBackoffSeconds.Observe(delay.Seconds())
		s.logger.Debug().Err(err).Int("retry", retry).Dur("backoff", delay).Msg("Retrying fetch after backoff")
		return
	}

	retried := s.retries
	s.retries = 0
	s.armLocked(gen, s.cfg.Interval, StateScheduled)
	s.mu.Unlock()

	if retried > 0 {
		err = fmt.Errorf("%w after %d retries: %w", ErrRetryExhausted, retried, err)
		s.logger.Error().Err(err).Msg("Retry attempts exhausted, waiting for next interval")
	} else {
		s.logger.Warn().Err(err).Msg("Scheduled fetch failed")
	}

	if s.handlers.OnError != nil {
		s.notify(gen, func() { s.handlers.OnError(err) })
	}
}

// armLocked moves to state and schedules the next fetch after d.
func (s *Subscription) armLocked(gen uint64, d time.Duration, state State) {
	s.stopTimerLocked()
	s.state = state
	s.timer = s.cfg.Clock.AfterFunc(d, func() { s.fire(gen) })
}

func (s *Subscription) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// fire runs when a timer expires.
func (s *Subscription) fire(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateFetching
	s.mu.Unlock()

	go s.run(gen)
}

// notify invokes fn unless gen has been superseded.
func (s *Subscription) notify(gen uint64, fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if !current {
		return
	}
	fn()
}

// backoff returns base * 2^retry capped at limit.
func backoff(base, limit time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
