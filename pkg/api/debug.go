package api

import (
	"net/http"
	"slices"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// debugOnly hides the debug routes unless debug mode is on.
func (h *Handler) debugOnly(next http.Handler) http.Handler {
	return ErrorHandler(func(w http.ResponseWriter, r *http.Request) error {
		if !h.cfg.Debug {
			return NewError(http.StatusNotFound, "Debug endpoints are only available in debug mode")
		}
		next.ServeHTTP(w, r)
		return nil
	})
}

func (h *Handler) requireMock() error {
	if h.inspector == nil {
		return NewError(http.StatusServiceUnavailable, "Mock Pub/Sub is not enabled. Set SENSORGATE_USE_PUBSUB_MOCK=true")
	}
	return nil
}

func (h *Handler) mockMessages(w http.ResponseWriter, r *http.Request) error {
	if err := h.requireMock(); err != nil {
		return err
	}

	topic := r.URL.Query().Get("topic_name")
	messages := h.inspector.List(topic)
	if topic != "" {
		if _, ok := messages[topic]; !ok {
			messages[topic] = []types.Envelope{}
		}
	}

	var filter map[string]string
	if topic != "" {
		filter = map[string]string{"topic_name": topic}
	}

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"messages":   messages,
		"stats":      h.inspector.Stats(),
		"filter":     filter,
		"using_mock": true,
	})
	return nil
}

func (h *Handler) mockStats(w http.ResponseWriter, r *http.Request) error {
	if err := h.requireMock(); err != nil {
		return err
	}

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"stats": h.inspector.Stats(),
		"configuration": map[string]any{
			"debug_mode":              h.cfg.Debug,
			"use_pubsub_mock":         h.cfg.UsePubSubMock,
			"pubsub_mock_auto_enable": h.cfg.PubSubMockAutoEnable,
			"topic_mapping":           h.topics.Mapping(),
		},
		"using_mock": true,
	})
	return nil
}

func (h *Handler) clearMockMessages(w http.ResponseWriter, r *http.Request) error {
	if err := h.requireMock(); err != nil {
		return err
	}

	topic := r.URL.Query().Get("topic_name")
	h.inspector.Clear(topic)

	message := "All mock messages cleared"
	var cleared *string
	if topic != "" {
		message = "Mock messages cleared for topic: " + topic
		cleared = &topic
	}
	zerolog.Ctx(r.Context()).Info().Str("topic", topic).Msg("Mock messages cleared")

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"message":       message,
		"cleared_topic": cleared,
		"updated_stats": h.inspector.Stats(),
		"using_mock":    true,
	})
	return nil
}

func (h *Handler) topicMessages(w http.ResponseWriter, r *http.Request) error {
	if err := h.requireMock(); err != nil {
		return err
	}

	topic := chi.URLParam(r, "topic_name")
	stored := h.inspector.List(topic)[topic]
	valid := slices.Contains(h.topics.Topics(), topic)
	if len(stored) == 0 && !valid {
		resp := NewError(http.StatusNotFound, "Topic '"+topic+"' not found")
		resp.Errors = map[string]string{"topic_name": "valid topics are the configured sensor topics"}
		return resp
	}
	if stored == nil {
		stored = []types.Envelope{}
	}

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"topic_name":    topic,
		"messages":      stored,
		"message_count": len(stored),
		"valid_topic":   valid,
		"using_mock":    true,
	})
	return nil
}

func (h *Handler) debugConfig(w http.ResponseWriter, r *http.Request) error {
	RespondJSON(w, r, http.StatusOK, map[string]any{
		"debug_mode": h.cfg.Debug,
		"mock_configuration": map[string]any{
			"use_pubsub_mock":         h.cfg.UsePubSubMock,
			"pubsub_mock_auto_enable": h.cfg.PubSubMockAutoEnable,
			"using_mock":              h.inspector != nil,
		},
		"service_info": map[string]any{
			"app_name":        h.cfg.AppName,
			"app_version":     h.cfg.AppVersion,
			"log_level":       h.cfg.LogLevel,
			"metrics_enabled": h.cfg.MetricsEnabled,
		},
		"pubsub_topics": h.topics.Mapping(),
		"resilience": map[string]any{
			"publish_timeout":   h.cfg.PubSubTimeout.String(),
			"retry_attempts":    h.cfg.PubSubRetryAttempts,
			"retry_base_delay":  h.cfg.PubSubRetryDelay.String(),
			"retry_max_delay":   h.cfg.PubSubRetryMaxDelay.String(),
			"failure_threshold": h.cfg.CircuitBreakerFailureThreshold,
			"recovery_timeout":  h.cfg.CircuitBreakerRecoveryTimeout.String(),
		},
		"debug_endpoints": map[string]string{
			"messages":       "/api/v1/debug/pubsub/messages",
			"stats":          "/api/v1/debug/pubsub/stats",
			"clear":          "/api/v1/debug/pubsub/messages (DELETE)",
			"topic_messages": "/api/v1/debug/pubsub/topic/{topic_name}/messages",
		},
	})
	return nil
}
