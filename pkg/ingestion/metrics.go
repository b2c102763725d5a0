package ingestion

import (
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Submission outcomes used as the "outcome" label.
const (
	OutcomePublished       = "published"
	OutcomeInvalid         = "invalid"
	OutcomeUnknownCategory = "unknown_category"
	OutcomeCircuitOpen     = "circuit_open"
	OutcomeTimeout         = "timeout"
	OutcomePublishFailed   = "publish_failed"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Submissions     *prometheus.CounterVec
	PublishAttempts *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	BreakerState    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them, along with the Go
// runtime and process collectors, on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Name:      "submissions_total",
				Help:      "Total number of submitted readings by outcome",
			},
			[]string{"outcome"},
		),
		PublishAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorgate",
				Name:      "publish_attempts_total",
				Help:      "Total number of publish attempts, retries included",
			},
			[]string{"topic"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sensorgate",
				Name:      "publish_duration_seconds",
				Help:      "Duration of single publish attempts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorgate",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
	}
	reg.MustRegister(
		m.Submissions,
		m.PublishAttempts,
		m.PublishDuration,
		m.BreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) submission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) attempt(topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.PublishAttempts.WithLabelValues(topic).Inc()
	m.PublishDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// BreakerStateChanged matches the circuit breaker state-change hook.
func (m *Metrics) BreakerStateChanged(_, to circuitbreaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.Set(float64(to))
}
