package loadgen

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

// ReadingGenerator produces valid reading bodies with values drawn from the
// registered range of the device's sensor type.
type ReadingGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewReadingGenerator seeds its own source so runs can be reproduced.
func NewReadingGenerator(seed int64) *ReadingGenerator {
	return &ReadingGenerator{rnd: rand.New(rand.NewSource(seed)), now: time.Now}
}

type readingBody struct {
	DeviceID   int64   `json:"device_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Timestamp  string  `json:"timestamp"`
}

func (g *ReadingGenerator) GeneratePayload(device *Device) ([]byte, error) {
	info, ok := types.LookupSensorType(device.SensorType)
	if !ok {
		return nil, fmt.Errorf("unknown sensor type %q for device %s", device.SensorType, device.ID)
	}
	g.mu.Lock()
	f := g.rnd.Float64()
	g.mu.Unlock()

	value := info.ValueRange.Min + f*(info.ValueRange.Max-info.ValueRange.Min)
	return json.Marshal(readingBody{
		DeviceID:   device.DeviceID,
		SensorType: string(device.SensorType),
		Value:      value,
		Latitude:   device.Latitude,
		Longitude:  device.Longitude,
		Timestamp:  g.now().UTC().Format(time.RFC3339Nano),
	})
}

// NewDevices spreads count devices over the given sensor types, numbering
// them from firstID. Every device shares gen.
func NewDevices(count int, firstID int64, sensorTypes []types.SensorType, rate float64, gen PayloadGenerator) []*Device {
	if len(sensorTypes) == 0 {
		return nil
	}
	devices := make([]*Device, 0, count)
	for i := 0; i < count; i++ {
		id := firstID + int64(i)
		devices = append(devices, &Device{
			ID:               strconv.FormatInt(id, 10),
			DeviceID:         id,
			SensorType:       sensorTypes[i%len(sensorTypes)],
			Latitude:         -60 + float64(i%120),
			Longitude:        -170 + float64(i%340),
			MessageRate:      rate,
			PayloadGenerator: gen,
		})
	}
	return devices
}
