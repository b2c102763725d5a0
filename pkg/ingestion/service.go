// Package ingestion orchestrates routing, circuit breaking, retries and
// publishing of validated sensor readings.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/circuitbreaker"
	"github.com/EgorkaKv/sensor-gate/pkg/publisher"
	"github.com/EgorkaKv/sensor-gate/pkg/retry"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/rs/zerolog"
)

// Router resolves a category to a topic.
type Router interface {
	Resolve(category types.SensorType) (string, error)
}

// Breaker gates calls to the bus.
type Breaker interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
	Snapshot() circuitbreaker.Snapshot
}

// Result describes an accepted reading.
type Result struct {
	MessageID   string           `json:"message_id"`
	Topic       string           `json:"topic"`
	DeviceID    int64            `json:"device_id"`
	SensorType  types.SensorType `json:"sensor_type"`
	ProcessedAt time.Time        `json:"processed_at"`
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records submissions and publish attempts on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces time.Now for ProcessedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is safe for concurrent use. It holds no mutable state of its own;
// the breaker is the only shared state.
type Service struct {
	router    Router
	breaker   Breaker
	policy    *retry.Policy
	publisher publisher.Publisher
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the collaborators. All of them are required.
func NewService(router Router, breaker Breaker, policy *retry.Policy, pub publisher.Publisher, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if router == nil || breaker == nil || policy == nil || pub == nil {
		return nil, errors.New("ingestion service requires a router, breaker, retry policy and publisher")
	}
	s := &Service{
		router:    router,
		breaker:   breaker,
		policy:    policy,
		publisher: pub,
		logger:    logger.With().Str("component", "IngestionService").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit publishes reading to its topic. Any failure is an *Error.
//
// An unroutable category or an already expired context never reaches the
// breaker. Once the breaker admits
// the call, the whole retry sequence counts as a single breaker observation.
func (s *Service) Submit(ctx context.Context, reading types.SensorReading) (Result, error) {
	log := s.logger.With().Int64("device_id", reading.DeviceID()).Str("sensor_type", string(reading.SensorType())).Logger()

	topic, err := s.router.Resolve(reading.SensorType())
	if err != nil {
		s.metrics.submission(OutcomeUnknownCategory)
		log.Warn().Msg("Rejected reading with unroutable category")
		return Result{}, &Error{Kind: KindUnknownCategory, Category: reading.SensorType(), Cause: err}
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		s.metrics.submission(OutcomePublishFailed)
		return Result{}, &Error{Kind: KindPublishFailed, Category: reading.SensorType(), Topic: topic, Cause: fmt.Errorf("serializing reading: %w", err)}
	}

	// A caller that is already gone says nothing about the bus, so it is
	// turned away before the breaker is consulted.
	if err := ctx.Err(); err != nil {
		s.metrics.submission(OutcomeTimeout)
		log.Warn().Err(err).Str("topic", topic).Msg("Caller context done before publishing")
		return Result{}, &Error{Kind: KindTimeout, Category: reading.SensorType(), Topic: topic, Cause: err}
	}

	if !s.breaker.Allow() {
		s.metrics.submission(OutcomeCircuitOpen)
		log.Warn().Str("topic", topic).Msg("Circuit breaker open, reading rejected")
		return Result{}, &Error{Kind: KindCircuitOpen, Category: reading.SensorType(), Topic: topic}
	}

	var msgID string
	attempt := 0
	err = s.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		start := time.Now()
		id, err := s.publisher.Publish(ctx, topic, payload)
		s.metrics.attempt(topic, time.Since(start))
		if err != nil {
			log.Debug().Err(err).Str("topic", topic).Int("attempt", attempt).Msg("Publish attempt failed")
			return err
		}
		msgID = id
		return nil
	})

	if err != nil {
		s.breaker.RecordFailure()
		kind := KindPublishFailed
		outcome := OutcomePublishFailed
		if ctx.Err() != nil {
			kind = KindTimeout
			outcome = OutcomeTimeout
		}
		s.metrics.submission(outcome)
		log.Error().Err(err).Str("topic", topic).Int("attempts", attempt).Str("outcome", outcome).Msg("Failed to publish reading")
		return Result{}, &Error{Kind: kind, Category: reading.SensorType(), Topic: topic, Cause: err}
	}

	s.breaker.RecordSuccess()
	s.metrics.submission(OutcomePublished)
	log.Debug().Str("topic", topic).Str("message_id", msgID).Int("attempts", attempt).Msg("Reading published")

	return Result{
		MessageID:   msgID,
		Topic:       topic,
		DeviceID:    reading.DeviceID(),
		SensorType:  reading.SensorType(),
		ProcessedAt: s.now().UTC(),
	}, nil
}

// RecordInvalid counts a reading rejected at the boundary before Submit.
func (s *Service) RecordInvalid() {
	s.metrics.submission(OutcomeInvalid)
}

// BreakerSnapshot returns the breaker state for health reporting.
func (s *Service) BreakerSnapshot() circuitbreaker.Snapshot {
	return s.breaker.Snapshot()
}

// PublisherHealth probes the publisher.
func (s *Service) PublisherHealth(ctx context.Context) publisher.Health {
	return s.publisher.HealthCheck(ctx)
}

// Mode returns the publisher variant in use.
func (s *Service) Mode() publisher.Mode {
	return s.publisher.Mode()
}
