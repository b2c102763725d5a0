package api

import (
	"net/http"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/circuitbreaker"
	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/EgorkaKv/sensor-gate/pkg/publisher"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

const healthCheckTimeout = 5 * time.Second

func (h *Handler) root(w http.ResponseWriter, r *http.Request) error {
	historyEnabled := h.cfg.HistoryEnabled()
	RespondJSON(w, r, http.StatusOK, map[string]any{
		"service":    h.cfg.AppName,
		"version":    h.cfg.AppVersion,
		"status":     "running",
		"health_url": "/health",
		"authentication": map[string]any{
			"public_access_enabled": h.cfg.PublicAccessEnabled,
			"api_key_required":      h.cfg.AuthEnabled(),
		},
		"features": map[string]bool{
			"sensor_data_ingestion": true,
			"historical_data_query": historyEnabled,
			"device_management":     historyEnabled,
			"aggregated_analytics":  historyEnabled,
			"mqtt_ingress":          h.cfg.MQTTBrokerURL != "",
		},
	})
	return nil
}

type healthChecks struct {
	Publisher      publisher.Health        `json:"pubsub"`
	CircuitBreaker circuitbreaker.Snapshot `json:"circuit_breaker"`
	History        history.Health          `json:"history"`
}

func (h *Handler) checks(r *http.Request) healthChecks {
	ctx, cancel := contextWithTimeout(r, healthCheckTimeout)
	defer cancel()
	return healthChecks{
		Publisher:      h.ingest.PublisherHealth(ctx),
		CircuitBreaker: h.ingest.BreakerSnapshot(),
		History:        h.history.HealthCheck(ctx),
	}
}

// healthy reports whether the publisher works, the breaker admits calls and
// history is either healthy or intentionally disabled.
func (c healthChecks) healthy() bool {
	return c.Publisher.Status == publisher.StatusHealthy &&
		c.CircuitBreaker.State != circuitbreaker.Open &&
		c.History.Status != history.StatusUnhealthy
}

func sensorTypeNames(mapping map[types.SensorType]string) []string {
	names := make([]string, 0, len(mapping))
	for _, info := range types.SupportedSensorTypes() {
		if _, ok := mapping[info.Type]; ok {
			names = append(names, string(info.Type))
		}
	}
	for st := range mapping {
		if _, ok := types.LookupSensorType(st); !ok {
			names = append(names, string(st))
		}
	}
	return names
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) error {
	checks := h.checks(r)
	status := "healthy"
	if !checks.healthy() {
		status = "degraded"
	}

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"service":   h.cfg.AppName,
		"version":   h.cfg.AppVersion,
		"status":    status,
		"timestamp": h.now().UTC(),
		"checks":    checks,
		"config": map[string]any{
			"supported_sensor_types": sensorTypeNames(h.topics.Mapping()),
			"debug_mode":             h.cfg.Debug,
			"public_access_enabled":  h.cfg.PublicAccessEnabled,
			"publisher_mode":         h.ingest.Mode(),
		},
	})
	return nil
}

func (h *Handler) live(w http.ResponseWriter, r *http.Request) error {
	RespondJSON(w, r, http.StatusOK, map[string]any{
		"status":    "alive",
		"service":   h.cfg.AppName,
		"timestamp": h.now().UTC(),
	})
	return nil
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) error {
	checks := h.checks(r)
	status, code := "ready", http.StatusOK
	if !checks.healthy() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	RespondJSON(w, r, code, map[string]any{
		"status":    status,
		"service":   h.cfg.AppName,
		"timestamp": h.now().UTC(),
		"dependencies": map[string]any{
			"pubsub":          checks.Publisher.Status,
			"circuit_breaker": checks.CircuitBreaker.State,
			"history":         checks.History.Status,
		},
	})
	return nil
}
