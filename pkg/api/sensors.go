package api

import (
	"context"
	"net/http"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), d)
}

type sensorDataResponse struct {
	Message     string           `json:"message"`
	DeviceID    int64            `json:"device_id"`
	SensorType  types.SensorType `json:"sensor_type"`
	MessageID   string           `json:"message_id"`
	Topic       string           `json:"topic"`
	ProcessedAt time.Time        `json:"processed_at"`
}

func (h *Handler) submitSensorData(w http.ResponseWriter, r *http.Request) error {
	req, err := DecodeJSON[types.ReadingRequest](r)
	if err != nil {
		h.ingest.RecordInvalid()
		return err
	}

	reading, err := req.Reading(h.now())
	if err != nil {
		h.ingest.RecordInvalid()
		return err
	}

	ctx, cancel := contextWithTimeout(r, h.cfg.PubSubTimeout)
	defer cancel()

	res, err := h.ingest.Submit(ctx, reading)
	if err != nil {
		return err
	}

	RespondJSON(w, r, http.StatusCreated, sensorDataResponse{
		Message:     "Data received successfully",
		DeviceID:    res.DeviceID,
		SensorType:  res.SensorType,
		MessageID:   res.MessageID,
		Topic:       res.Topic,
		ProcessedAt: res.ProcessedAt,
	})
	return nil
}

func (h *Handler) sensorTypes(w http.ResponseWriter, r *http.Request) error {
	mapping := h.topics.Mapping()
	supported := make([]map[string]any, 0, len(mapping))
	for _, info := range types.SupportedSensorTypes() {
		topic, ok := mapping[info.Type]
		if !ok {
			continue
		}
		supported = append(supported, map[string]any{
			"type":        info.Type,
			"description": info.Description,
			"value_range": info.ValueRange,
			"topic":       topic,
		})
	}

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"supported_types": supported,
		"validation_rules": map[string]string{
			"device_id": "Positive integer",
			"latitude":  "Float between -90 and 90",
			"longitude": "Float between -180 and 180",
			"timestamp": "ISO format datetime, not in future",
		},
	})
	return nil
}
