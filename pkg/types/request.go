package types

import (
	"errors"
	"strings"
	"time"
)

// ReadingRequest is the JSON body devices send over HTTP and MQTT. Category is
// accepted as an alias for SensorType.
type ReadingRequest struct {
	DeviceID   *int64   `json:"device_id"`
	SensorType string   `json:"sensor_type"`
	Category   string   `json:"category,omitempty"`
	Value      *float64 `json:"value"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Timestamp  string   `json:"timestamp"`
}

// Reading validates the request against now. Missing fields and malformed
// timestamps are reported alongside range violations.
func (req ReadingRequest) Reading(now time.Time) (SensorReading, error) {
	missing := map[string]string{}
	in := ReadingInput{SensorType: req.SensorType}
	if in.SensorType == "" {
		in.SensorType = req.Category
	}

	if req.DeviceID == nil {
		missing["device_id"] = "is required"
	} else {
		in.DeviceID = *req.DeviceID
	}
	if in.SensorType == "" {
		missing["sensor_type"] = "is required"
	}
	if req.Value == nil {
		missing["value"] = "is required"
	} else {
		in.Value = *req.Value
	}
	if req.Latitude == nil {
		missing["latitude"] = "is required"
	} else {
		in.Latitude = *req.Latitude
	}
	if req.Longitude == nil {
		missing["longitude"] = "is required"
	} else {
		in.Longitude = *req.Longitude
	}
	if req.Timestamp == "" {
		missing["timestamp"] = "is required"
	} else {
		ts, err := ParseTimestamp(req.Timestamp)
		if err != nil {
			missing["timestamp"] = err.Error()
		} else {
			in.Timestamp = ts
		}
	}

	reading, err := NewSensorReading(in, now)
	if err == nil && len(missing) == 0 {
		return reading, nil
	}

	verr := &ValidationError{Fields: missing}
	var rangeErr *ValidationError
	if errors.As(err, &rangeErr) {
		for field, msg := range rangeErr.Fields {
			if _, ok := verr.Fields[field]; !ok {
				verr.Fields[field] = msg
			}
		}
	}
	return SensorReading{}, verr
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts ISO 8601 date-times. A value without a zone offset
// is taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("must be an ISO 8601 date-time")
}
