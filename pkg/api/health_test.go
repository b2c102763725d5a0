package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/EgorkaKv/sensor-gate/pkg/config"
	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type unhealthyHistory struct {
	history.DisabledExecutor
}

func (unhealthyHistory) HealthCheck(context.Context) history.Health {
	return history.Health{Status: history.StatusUnhealthy, Backend: "bigquery", Error: "dataset not found"}
}

type healthBody struct {
	Status string `json:"status"`
	Checks struct {
		PubSub struct {
			Status string `json:"status"`
			Type   string `json:"type"`
		} `json:"pubsub"`
		CircuitBreaker struct {
			State string `json:"state"`
		} `json:"circuit_breaker"`
		History struct {
			Status string `json:"status"`
		} `json:"history"`
	} `json:"checks"`
}

func TestHealth_HealthyWithDisabledHistory(t *testing.T) {
	a := setupTestAPI(t, harnessOptions{})

	rec := a.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[healthBody](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Checks.PubSub.Status)
	assert.Equal(t, "mock", body.Checks.PubSub.Type)
	assert.Equal(t, "CLOSED", body.Checks.CircuitBreaker.State)
	assert.Equal(t, history.StatusDisabled, body.Checks.History.Status)

	rec = a.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody[map[string]any](t, rec)["status"])
}

func TestHealth_DegradedWhenCircuitOpen(t *testing.T) {
	a := setupTestAPI(t, harnessOptions{})
	a.mock.SetFailure(status.Error(codes.Unavailable, "down"))
	for i := 0; i < a.cfg.CircuitBreakerFailureThreshold; i++ {
		a.do(t, http.MethodPost, "/api/v1/sensors/data", validBody, nil)
	}

	rec := a.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[healthBody](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "OPEN", body.Checks.CircuitBreaker.State)

	rec = a.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", decodeBody[map[string]any](t, rec)["status"])
}

func TestHealth_DegradedWhenHistoryUnhealthy(t *testing.T) {
	a := setupTestAPI(t, harnessOptions{history: unhealthyHistory{}})

	body := decodeBody[healthBody](t, a.do(t, http.MethodGet, "/health", "", nil))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, history.StatusUnhealthy, body.Checks.History.Status)
}

func TestLive(t *testing.T) {
	a := setupTestAPI(t, harnessOptions{})
	rec := a.do(t, http.MethodGet, "/health/live", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", decodeBody[map[string]any](t, rec)["status"])
}

func TestRoot(t *testing.T) {
	a := setupTestAPI(t, withKeys("k1"))
	rec := a.do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "SensorGate", body["service"])
	auth := body["authentication"].(map[string]any)
	assert.Equal(t, true, auth["api_key_required"])
	features := body["features"].(map[string]any)
	assert.Equal(t, true, features["sensor_data_ingestion"])
	assert.Equal(t, false, features["historical_data_query"])
}

func TestMetricsEndpoint(t *testing.T) {
	a := setupTestAPI(t, harnessOptions{})
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/v1/sensors/data", validBody, nil).Code)

	rec := a.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sensorgate_submissions_total{outcome="published"} 1`)
	assert.Contains(t, rec.Body.String(), `sensorgate_publish_attempts_total{topic="sensor-temperature"} 1`)
	assert.Contains(t, rec.Body.String(), "sensorgate_circuit_breaker_state 0")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	a := setupTestAPI(t, harnessOptions{configure: func(c *config.Config) { c.MetricsEnabled = false }})
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/metrics", "", nil).Code)
}
