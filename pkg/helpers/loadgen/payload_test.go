package loadgen

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadingGenerator_ProducesValidReadings(t *testing.T) {
	gen := NewReadingGenerator(42)
	devices := NewDevices(6, 1000, []types.SensorType{types.SensorTypeTemperature, types.SensorTypeHumidity, types.SensorTypeNDIR}, 1, gen)
	require.Len(t, devices, 6)
	assert.Equal(t, types.SensorTypeHumidity, devices[4].SensorType)
	assert.Equal(t, int64(1005), devices[5].DeviceID)

	now := time.Now()
	for _, d := range devices {
		payload, err := gen.GeneratePayload(d)
		require.NoError(t, err)

		var req types.ReadingRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		reading, err := req.Reading(now)
		require.NoError(t, err, string(payload))
		assert.Equal(t, d.DeviceID, reading.DeviceID())
		assert.Equal(t, d.SensorType, reading.SensorType())
	}
}

func TestReadingGenerator_UnknownType(t *testing.T) {
	_, err := NewReadingGenerator(1).GeneratePayload(&Device{ID: "x", SensorType: "pressure-unregistered"})
	assert.Error(t, err)
}

func TestNewDevices_NoTypes(t *testing.T) {
	assert.Nil(t, NewDevices(3, 1, nil, 1, NewReadingGenerator(1)))
}

func TestMqttClient_Topic(t *testing.T) {
	c := NewMqttClient("tcp://localhost:1883", "sensors/+/data", 1, zerologNop)
	assert.Equal(t, "sensors/17/data", c.Topic(&Device{ID: "17"}))
}
