package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/EgorkaKv/sensor-gate/pkg/config"
	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/EgorkaKv/sensor-gate/pkg/publisher"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "WARNING"

	var buf bytes.Buffer
	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"service":"SensorGate"`)

	cfg.LogLevel = "LOUD"
	_, err = newLogger(cfg, &buf)
	assert.Error(t, err)
}

func TestBuildGateway_MockMode(t *testing.T) {
	cfg := config.Default()
	cfg.UsePubSubMock = true

	gw, err := buildGateway(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer gw.close()

	assert.Equal(t, publisher.ModeMock, gw.publisher.Mode())
	assert.NotNil(t, gw.inspector)
	assert.IsType(t, history.DisabledExecutor{}, gw.history)
	assert.ElementsMatch(t, []string{"sensor-temperature", "sensor-humidity", "sensor-ndir"}, gw.router.Topics())

	families, err := gw.registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "sensorgate_circuit_breaker_state")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestLoadgenCommand_UnknownTarget(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"loadgen", "--target", "carrier-pigeon"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}
