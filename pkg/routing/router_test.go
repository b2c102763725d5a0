package routing

import (
	"errors"
	"testing"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicRouter_Resolve(t *testing.T) {
	router, err := NewTopicRouter(DefaultMapping())
	require.NoError(t, err)

	topic, err := router.Resolve(types.SensorTypeTemperature)
	require.NoError(t, err)
	assert.Equal(t, "sensor-temperature", topic)

	topic, err = router.Resolve(types.SensorTypeNDIR)
	require.NoError(t, err)
	assert.Equal(t, "sensor-ndir", topic)

	_, err = router.Resolve("pressure")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCategory))
	assert.Contains(t, err.Error(), "pressure")
}

func TestNewTopicRouter_Rejects(t *testing.T) {
	_, err := NewTopicRouter(nil)
	assert.Error(t, err)

	_, err = NewTopicRouter(map[types.SensorType]string{"temperature": ""})
	assert.Error(t, err)
}

func TestTopicRouter_IsImmutable(t *testing.T) {
	mapping := DefaultMapping()
	router, err := NewTopicRouter(mapping)
	require.NoError(t, err)

	mapping[types.SensorTypeTemperature] = "changed"
	delete(mapping, types.SensorTypeHumidity)

	topic, err := router.Resolve(types.SensorTypeTemperature)
	require.NoError(t, err)
	assert.Equal(t, "sensor-temperature", topic)

	copied := router.Mapping()
	copied[types.SensorTypeNDIR] = "changed"
	topic, _ = router.Resolve(types.SensorTypeNDIR)
	assert.Equal(t, "sensor-ndir", topic)
}

func TestTopicRouter_TopicsAndCategories(t *testing.T) {
	router, err := NewTopicRouter(map[types.SensorType]string{
		"temperature": "shared",
		"humidity":    "shared",
		"ndir":        "co2",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"co2", "shared"}, router.Topics())
	assert.Equal(t, []types.SensorType{"humidity", "ndir", "temperature"}, router.Categories())
}
