//go:build integration

package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/helpers/emulators"
	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProjectID = "test-project"
	testDatasetID = "sensors"
	testTableID   = "sensor_readings"
)

func TestBigQueryExecutor_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	emu := emulators.SetupBigQueryEmulator(t, ctx, emulators.GetDefaultBigQueryConfig(testProjectID, testDatasetID, testTableID))

	bqCfg := history.BigQueryConfig{ProjectID: testProjectID, DatasetID: testDatasetID, TableID: testTableID, ClientOptions: emu.ClientOptions}
	client, err := history.NewBigQueryClient(ctx, bqCfg, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	emu.InsertReadings(t, ctx,
		emulators.ReadingRow{DeviceID: 1, SensorType: "temperature", Value: 20, Latitude: 55.7, Longitude: 37.6, Timestamp: base},
		emulators.ReadingRow{DeviceID: 1, SensorType: "temperature", Value: 24, Latitude: 55.7, Longitude: 37.6, Timestamp: base.Add(time.Minute)},
		emulators.ReadingRow{DeviceID: 2, SensorType: "humidity", Value: 40, Latitude: 10, Longitude: 10, Timestamp: base.Add(2 * time.Minute)},
	)

	exec, err := history.NewBigQueryExecutor(client, bqCfg, zerolog.Nop())
	require.NoError(t, err)

	health := exec.HealthCheck(ctx)
	assert.Equal(t, history.StatusHealthy, health.Status, health.Error)

	points, err := exec.QueryHistorical(ctx, history.Query{
		Start:      base.Add(-time.Minute),
		End:        base.Add(time.Hour),
		SensorType: types.SensorTypeTemperature,
	})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 20.0, points[0].Value)

	agg, err := exec.QueryAggregated(ctx, history.Query{
		Start:       base.Add(-time.Minute),
		End:         base.Add(time.Hour),
		SensorType:  types.SensorTypeTemperature,
		Aggregation: history.AggregationMean,
	})
	require.NoError(t, err)
	require.Len(t, agg, 1)
	assert.Equal(t, 22.0, agg[0].Value)
	assert.Equal(t, int64(2), agg[0].Count)

	devices, err := exec.ListDevices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestRedisCache_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn := emulators.SetupRedisContainer(t, ctx, emulators.GetDefaultRedisImageContainer())

	cache, err := history.NewRedisCache(ctx, history.RedisConfig{Addr: conn.EmulatorAddress, KeyPrefix: "test:"}, zerolog.Nop())
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, history.ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "devices", []byte(`[1,2]`), time.Minute))
	got, err := cache.Get(ctx, "devices")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(got))

	require.NoError(t, cache.Set(ctx, "short", []byte("x"), time.Second))
	require.Eventually(t, func() bool {
		_, err := cache.Get(ctx, "short")
		return err == history.ErrCacheMiss
	}, 5*time.Second, 100*time.Millisecond)
}
