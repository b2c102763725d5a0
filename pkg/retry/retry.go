// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

const maxDuration = time.Duration(math.MaxInt64)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // upper bound of any single delay, jitter included
	Jitter      bool          // add up to 25% random jitter
}

// DefaultConfig returns 3 attempts with delays of 1s, 2s, ... capped at 10s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Policy retries transient failures. It is stateless between calls and safe
// for concurrent use.
type Policy struct {
	cfg       Config
	retryable Classifier
}

// NewPolicy validates cfg. A nil classifier retries every error.
func NewPolicy(cfg Config, retryable Classifier) (*Policy, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		return nil, errors.New("retry: delays cannot be negative")
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.BaseDelay {
		return nil, errors.New("retry: MaxDelay must be >= BaseDelay")
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Policy{cfg: cfg, retryable: retryable}, nil
}

// Config returns the schedule in use.
func (p *Policy) Config() Config {
	return p.cfg
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. On exhaustion the last error is returned as is.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled before attempt %d: %w (last error: %v)", attempt, err, lastErr)
			}
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.retryable(err) || attempt == p.cfg.MaxAttempts {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w (last error: %v)", attempt+1, ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return lastErr
}

// Backoff returns the delay after the given 1-based attempt:
// min(base*2^(attempt-1), max) plus jitter, never above max. Without a max the
// delay saturates at the largest time.Duration instead of overflowing.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt && delay > 0; i++ {
		if delay > maxDuration/2 {
			delay = maxDuration
			break
		}
		delay *= 2
		if p.cfg.MaxDelay > 0 && delay >= p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
			break
		}
	}
	if p.cfg.Jitter && delay >= 4 {
		randMu.Lock()
		jitter := time.Duration(randSource.Int63n(int64(delay / 4)))
		randMu.Unlock()
		if delay > maxDuration-jitter {
			delay = maxDuration
		} else {
			delay += jitter
		}
	}
	if p.cfg.MaxDelay > 0 && delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}
	return delay
}
