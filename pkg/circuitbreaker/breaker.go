// Package circuitbreaker implements a three-state breaker guarding calls to the
// message bus.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the breaker mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns a threshold of 5 failures and a 60s recovery timeout.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Snapshot is a read-only view of the breaker.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	FailureThreshold    int       `json:"failure_threshold"`
	RecoveryTimeout     string    `json:"recovery_timeout"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChangeHook registers fn to be called after every transition. It is
// called with the breaker lock released.
func WithStateChangeHook(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is safe for concurrent use. All state lives behind one mutex.
type Breaker struct {
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	onChange func(from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// New returns a closed breaker. Non-positive thresholds fall back to the defaults.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	b := &Breaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "CircuitBreaker").Logger(),
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. While OPEN, the first caller after
// the recovery timeout moves the breaker to HALF_OPEN and becomes the single
// trial; everyone else is rejected until that trial is observed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.trialInFlight = true
			allowed = true
		}
	case HalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.transitioned(from, to)
	return allowed
}

// RecordSuccess observes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.trialInFlight = false
		b.openedAt = time.Time{}
	}
	to := b.state
	b.mu.Unlock()

	b.transitioned(from, to)
}

// RecordFailure observes a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = b.now()
		b.trialInFlight = false
	}
	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to && to == Open {
		b.logger.Warn().Int("consecutive_failures", failures).Str("from", from.String()).Msg("Circuit breaker opened")
	}
	b.transitioned(from, to)
}

// State returns the current mode.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent copy of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		FailureThreshold:    b.cfg.FailureThreshold,
		RecoveryTimeout:     b.cfg.RecoveryTimeout.String(),
	}
}

func (b *Breaker) transitioned(from, to State) {
	if from == to {
		return
	}
	switch to {
	case HalfOpen:
		b.logger.Info().Msg("Circuit breaker half-open, admitting trial request")
	case Closed:
		b.logger.Info().Msg("Circuit breaker closed")
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
