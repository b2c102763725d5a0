package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadingRequest_Reading(t *testing.T) {
	now := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)
	body := `{"device_id":12345,"sensor_type":"temperature","value":23.5,"latitude":55.7558,"longitude":37.6176,"timestamp":"2024-01-15T12:30:00Z"}`

	var req ReadingRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	r, err := req.Reading(now)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), r.DeviceID())
	assert.Equal(t, SensorTypeTemperature, r.SensorType())
	assert.True(t, r.Timestamp().Equal(time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)))
}

func TestReadingRequest_CategoryAlias(t *testing.T) {
	id, v, lat, lon := int64(7), 40.0, 1.0, 2.0
	req := ReadingRequest{DeviceID: &id, Category: "humidity", Value: &v, Latitude: &lat, Longitude: &lon, Timestamp: "2024-01-15T12:30:00"}

	r, err := req.Reading(time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, SensorTypeHumidity, r.SensorType())
}

func TestReadingRequest_MissingFields(t *testing.T) {
	_, err := ReadingRequest{}.Reading(time.Now())

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	for _, field := range []string{"device_id", "sensor_type", "value", "latitude", "longitude", "timestamp"} {
		assert.Equal(t, "is required", verr.Fields[field], field)
	}
}

func TestReadingRequest_MergesRangeErrors(t *testing.T) {
	id, v, lat := int64(1), 150.0, 10.0
	req := ReadingRequest{DeviceID: &id, SensorType: "humidity", Value: &v, Latitude: &lat, Timestamp: "yesterday"}

	_, err := req.Reading(time.Now())

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "is required", verr.Fields["longitude"])
	assert.Equal(t, "must be an ISO 8601 date-time", verr.Fields["timestamp"])
	assert.Contains(t, verr.Fields["value"], "out of valid range")
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)
	for _, s := range []string{"2024-01-15T12:30:00Z", "2024-01-15T15:30:00+03:00", "2024-01-15T12:30:00", "2024-01-15 12:30:00"} {
		got, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
		assert.Equal(t, time.UTC, got.Location())
	}

	_, err := ParseTimestamp("15/01/2024")
	assert.Error(t, err)
}
