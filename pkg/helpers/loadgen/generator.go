// Package loadgen drives simulated sensors against the gateway over MQTT or
// HTTP.
package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/rs/zerolog"
)

// Client delivers one reading for a device.
type Client interface {
	Connect() error
	Disconnect()
	Publish(ctx context.Context, device *Device) error
}

// PayloadGenerator builds the request body for a device.
type PayloadGenerator interface {
	GeneratePayload(device *Device) ([]byte, error)
}

// Device is one simulated sensor.
type Device struct {
	ID               string
	DeviceID         int64
	SensorType       types.SensorType
	Latitude         float64
	Longitude        float64
	MessageRate      float64
	PayloadGenerator PayloadGenerator
}

// Stats counts the outcome of a run.
type Stats struct {
	Sent     int64         `json:"sent"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// LoadGenerator runs every device at its own rate for a fixed duration.
type LoadGenerator struct {
	client  Client
	devices []*Device
	logger  zerolog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewLoadGenerator creates a new LoadGenerator.
func NewLoadGenerator(client Client, devices []*Device, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:  client,
		devices: devices,
		logger:  logger,
	}
}

// Run publishes until duration elapses or ctx is cancelled.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) (Stats, error) {
	lg.logger.Info().Int("num_devices", len(lg.devices)).Dur("duration", duration).Msg("Starting load generator")

	if err := lg.client.Connect(); err != nil {
		lg.logger.Error().Err(err).Msg("Failed to connect client")
		return Stats{}, err
	}
	defer lg.client.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for _, device := range lg.devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			lg.runDevice(ctx, d)
		}(device)
	}
	wg.Wait()

	stats := Stats{Sent: lg.sent.Load(), Failed: lg.failed.Load(), Duration: time.Since(start)}
	lg.logger.Info().Int64("sent", stats.Sent).Int64("failed", stats.Failed).Dur("elapsed", stats.Duration).Msg("Load generator finished")
	return stats, nil
}

func (lg *LoadGenerator) runDevice(ctx context.Context, device *Device) {
	if device.MessageRate <= 0 {
		lg.logger.Warn().Str("device_id", device.ID).Msg("Device has a message rate of 0, no messages will be sent")
		return
	}

	interval := time.Duration(float64(time.Second) / device.MessageRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg.logger.Debug().Str("device_id", device.ID).Float64("rate_hz", device.MessageRate).Dur("interval", interval).Msg("Device starting")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lg.client.Publish(ctx, device); err != nil {
				if ctx.Err() != nil {
					return
				}
				lg.failed.Add(1)
				lg.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to publish message")
				continue
			}
			lg.sent.Add(1)
		}
	}
}
