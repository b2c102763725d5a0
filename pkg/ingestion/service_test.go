package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/circuitbreaker"
	"github.com/EgorkaKv/sensor-gate/pkg/publisher"
	"github.com/EgorkaKv/sensor-gate/pkg/retry"
	"github.com/EgorkaKv/sensor-gate/pkg/routing"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	*publisher.MockPublisher
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return g.MockPublisher.Publish(ctx, topic, payload)
}

type testHarness struct {
	service *Service
	mock    *publisher.MockPublisher
	breaker *circuitbreaker.Breaker
	clock   *fakeClock
	metrics *Metrics
}

func setupTestService(t *testing.T, threshold int, pub publisher.Publisher) *testHarness {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	mock := publisher.NewMockPublisher(publisher.MockPublisherConfig{}, logger)
	if pub == nil {
		pub = mock
	}

	router, err := routing.NewTopicRouter(routing.DefaultMapping())
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)}
	metrics := NewMetrics(prometheus.NewRegistry())
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: threshold, RecoveryTimeout: time.Minute}, logger,
		circuitbreaker.WithClock(clock.Now),
		circuitbreaker.WithStateChangeHook(metrics.BreakerStateChanged))

	policy, err := retry.NewPolicy(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, publisher.IsTransient)
	require.NoError(t, err)

	svc, err := NewService(router, breaker, policy, pub, logger, WithMetrics(metrics), WithClock(clock.Now))
	require.NoError(t, err)

	return &testHarness{service: svc, mock: mock, breaker: breaker, clock: clock, metrics: metrics}
}

func scenarioReading(t *testing.T, sensorType string) types.SensorReading {
	t.Helper()
	r, err := types.NewSensorReading(types.ReadingInput{
		DeviceID:   12345,
		SensorType: sensorType,
		Value:      23.5,
		Latitude:   55.7558,
		Longitude:  37.6176,
		Timestamp:  time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC),
	}, time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	return r
}

func TestService_SubmitScenarioReading(t *testing.T) {
	h := setupTestService(t, 5, nil)

	res, err := h.service.Submit(context.Background(), scenarioReading(t, "temperature"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, "sensor-temperature", res.Topic)
	assert.Equal(t, int64(12345), res.DeviceID)
	assert.Equal(t, types.SensorTypeTemperature, res.SensorType)
	assert.Equal(t, h.clock.Now(), res.ProcessedAt)

	msgs := h.mock.List("sensor-temperature")["sensor-temperature"]
	require.Len(t, msgs, 1)
	assert.Equal(t, res.MessageID, msgs[0].MessageID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, 23.5, payload["value"])
	assert.Equal(t, float64(12345), payload["device_id"])
	assert.Equal(t, "temperature", payload["sensor_type"])
	assert.Equal(t, 55.7558, payload["latitude"])
	assert.Equal(t, 37.6176, payload["longitude"])
	assert.Equal(t, "2024-01-15T12:30:00Z", payload["timestamp"])

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Submissions.WithLabelValues(OutcomePublished)))
}

func TestService_UnknownCategory(t *testing.T) {
	h := setupTestService(t, 5, nil)

	_, err := h.service.Submit(context.Background(), scenarioReading(t, "pressure"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCategory))

	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, KindUnknownCategory, serr.Kind)
	assert.False(t, serr.Retryable())
	assert.Contains(t, err.Error(), "pressure")

	assert.Equal(t, 0, h.mock.Calls(), "publisher is never invoked")
	assert.Equal(t, 0, h.breaker.Snapshot().ConsecutiveFailures, "breaker is untouched")
}

func TestService_TransientFailuresTripBreaker(t *testing.T) {
	h := setupTestService(t, 5, nil)
	h.mock.SetFailure(status.Error(codes.Unavailable, "bus down"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.service.Submit(ctx, scenarioReading(t, "temperature"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPublishFailed))

		var serr *Error
		require.True(t, errors.As(err, &serr))
		require.NotNil(t, serr.PublishError())
		assert.True(t, serr.PublishError().Transient())
		assert.True(t, serr.Retryable())
	}
	assert.Equal(t, 15, h.mock.Calls(), "each submit retried up to the attempt limit")
	assert.Equal(t, circuitbreaker.Open, h.breaker.State())
	assert.Equal(t, 5, h.breaker.Snapshot().ConsecutiveFailures, "one observation per submit")

	start := time.Now()
	_, err := h.service.Submit(ctx, scenarioReading(t, "temperature"))
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Less(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, 15, h.mock.Calls(), "publisher not contacted while open")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BreakerState))
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.Submissions.WithLabelValues(OutcomePublishFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Submissions.WithLabelValues(OutcomeCircuitOpen)))
	assert.Equal(t, 15.0, testutil.ToFloat64(h.metrics.PublishAttempts.WithLabelValues("sensor-temperature")))
}

func TestService_PermanentFailureNotRetried(t *testing.T) {
	h := setupTestService(t, 5, nil)
	h.mock.SetFailure(status.Error(codes.PermissionDenied, "no access"))

	_, err := h.service.Submit(context.Background(), scenarioReading(t, "humidity"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPublishFailed))
	assert.Equal(t, 1, h.mock.Calls())
	assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)
	assert.False(t, errors.Is(err, context.Canceled), "client errors do not leak through Unwrap")
}

func TestService_CancelledCallerLeavesBreakerAlone(t *testing.T) {
	h := setupTestService(t, 5, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_, err := h.service.Submit(ctx, scenarioReading(t, "temperature"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTimeout))
	}
	snap := h.breaker.Snapshot()
	assert.Equal(t, circuitbreaker.Closed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 0, h.mock.Calls(), "the bus is never contacted")
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.Submissions.WithLabelValues(OutcomeTimeout)))

	_, err := h.service.Submit(context.Background(), scenarioReading(t, "temperature"))
	require.NoError(t, err)
}

func TestService_CancelledCallerDoesNotTakeTrialSlot(t *testing.T) {
	h := setupTestService(t, 1, nil)
	h.breaker.RecordFailure()
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.service.Submit(ctx, scenarioReading(t, "temperature"))
	require.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, circuitbreaker.Open, h.breaker.State())

	_, err = h.service.Submit(context.Background(), scenarioReading(t, "temperature"))
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.Closed, h.breaker.State())
}

// slowPublisher holds every Publish until the caller gives up.
type slowPublisher struct {
	*publisher.MockPublisher
	calls atomic.Int32
}

func (p *slowPublisher) Publish(ctx context.Context, topic string, _ []byte) (string, error) {
	p.calls.Add(1)
	<-ctx.Done()
	return "", publisher.Classify(topic, ctx.Err())
}

func TestService_DeadlineExpiresMidRetry(t *testing.T) {
	t.Run("during a slow publish", func(t *testing.T) {
		slow := &slowPublisher{MockPublisher: publisher.NewMockPublisher(publisher.MockPublisherConfig{}, zerolog.Nop())}
		h := setupTestService(t, 5, slow)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := h.service.Submit(ctx, scenarioReading(t, "temperature"))
		require.Error(t, err)
		var serr *Error
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, KindTimeout, serr.Kind)
		assert.Equal(t, int32(1), slow.calls.Load(), "no retry after the deadline")
		assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)
	})

	t.Run("during backoff", func(t *testing.T) {
		h := setupTestService(t, 5, nil)
		h.mock.SetFailure(status.Error(codes.Unavailable, "bus down"))

		policy, err := retry.NewPolicy(retry.Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, publisher.IsTransient)
		require.NoError(t, err)
		router, err := routing.NewTopicRouter(routing.DefaultMapping())
		require.NoError(t, err)
		svc, err := NewService(router, h.breaker, policy, h.mock, zerolog.Nop())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err = svc.Submit(ctx, scenarioReading(t, "temperature"))
		assert.Less(t, time.Since(start), 5*time.Second, "backoff is interrupted by the deadline")
		require.Error(t, err)
		var serr *Error
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, KindTimeout, serr.Kind)
		assert.Equal(t, 1, h.mock.Calls())
		assert.Equal(t, 1, h.breaker.Snapshot().ConsecutiveFailures)
	})
}

func TestService_RecoveryAfterTimeout(t *testing.T) {
	h := setupTestService(t, 2, nil)
	h.mock.SetFailure(status.Error(codes.Unavailable, "bus down"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = h.service.Submit(ctx, scenarioReading(t, "temperature"))
	}
	require.Equal(t, circuitbreaker.Open, h.breaker.State())

	h.clock.Advance(time.Minute)
	_, err := h.service.Submit(ctx, scenarioReading(t, "temperature"))
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.Open, h.breaker.State(), "failed trial re-opens")

	h.mock.SetFailure(nil)
	h.clock.Advance(time.Minute)
	_, err = h.service.Submit(ctx, scenarioReading(t, "temperature"))
	require.NoError(t, err)
	snap := h.breaker.Snapshot()
	assert.Equal(t, circuitbreaker.Closed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestService_SingleHalfOpenTrial(t *testing.T) {
	gated := &gatedPublisher{
		MockPublisher: publisher.NewMockPublisher(publisher.MockPublisherConfig{}, zerolog.Nop()),
		entered:       make(chan struct{}, 16),
		release:       make(chan struct{}),
	}
	h := setupTestService(t, 1, gated)
	h.breaker.RecordFailure()
	require.Equal(t, circuitbreaker.Open, h.breaker.State())
	h.clock.Advance(time.Minute)

	reading := scenarioReading(t, "temperature")
	const callers = 10
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.Submit(context.Background(), reading)
			errs <- err
		}()
	}

	select {
	case <-gated.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("no trial request reached the publisher")
	}
	require.Eventually(t, func() bool { return len(errs) == callers-1 }, 5*time.Second, 5*time.Millisecond)
	close(gated.release)
	wg.Wait()
	close(errs)

	var rejected, succeeded int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrCircuitOpen):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, int32(1), gated.calls.Load())
	assert.Equal(t, circuitbreaker.Closed, h.breaker.State())
}

func TestService_ConcurrentSubmits(t *testing.T) {
	h := setupTestService(t, 5, nil)
	reading := scenarioReading(t, "ndir")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.Submit(context.Background(), reading)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, h.mock.List("sensor-ndir")["sensor-ndir"], 50)
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindCircuitOpen, Topic: "sensor-ndir"}
	assert.Equal(t, `message bus circuit breaker is open (topic "sensor-ndir")`, err.Error())
	assert.Equal(t, "circuit_open", err.Kind.String())
	assert.Nil(t, err.PublishError())
}
