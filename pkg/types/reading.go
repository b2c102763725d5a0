package types

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// SensorType is the category of a reading. It determines the destination topic
// and, for registered types, the accepted value range.
type SensorType string

const (
	SensorTypeTemperature SensorType = "temperature"
	SensorTypeHumidity    SensorType = "humidity"
	SensorTypeNDIR        SensorType = "ndir"
)

// ValueRange is the inclusive range a reading value must fall into.
type ValueRange struct {
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Unit string  `json:"unit" yaml:"unit"`
}

// Contains reports whether v lies within the inclusive range.
func (r ValueRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// SensorTypeInfo describes a registered sensor type.
type SensorTypeInfo struct {
	Type        SensorType `json:"type"`
	Description string     `json:"description"`
	ValueRange  ValueRange `json:"value_range"`
}

var sensorTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

var (
	registryMu sync.RWMutex
	registry   = map[SensorType]SensorTypeInfo{
		SensorTypeTemperature: {
			Type:        SensorTypeTemperature,
			Description: "Temperature sensor readings in Celsius",
			ValueRange:  ValueRange{Min: -273.15, Max: 1000, Unit: "°C"},
		},
		SensorTypeHumidity: {
			Type:        SensorTypeHumidity,
			Description: "Humidity sensor readings as percentage",
			ValueRange:  ValueRange{Min: 0, Max: 100, Unit: "%"},
		},
		SensorTypeNDIR: {
			Type:        SensorTypeNDIR,
			Description: "NDIR CO2 sensor readings",
			ValueRange:  ValueRange{Min: 0, Max: 50000, Unit: "ppm"},
		},
	}
)

// RegisterSensorType adds or replaces a sensor type and its value range.
func RegisterSensorType(info SensorTypeInfo) error {
	if !sensorTypePattern.MatchString(string(info.Type)) {
		return fmt.Errorf("invalid sensor type name %q", info.Type)
	}
	if info.ValueRange.Min > info.ValueRange.Max {
		return fmt.Errorf("sensor type %q: min %v is greater than max %v", info.Type, info.ValueRange.Min, info.ValueRange.Max)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[info.Type] = info
	return nil
}

// LookupSensorType returns the registered description of t.
func LookupSensorType(t SensorType) (SensorTypeInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, ok := registry[t]
	return info, ok
}

// SupportedSensorTypes returns every registered sensor type ordered by name.
func SupportedSensorTypes() []SensorTypeInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]SensorTypeInfo, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ParseSensorType normalises s and checks it is a syntactically valid category.
// It does not require the type to be registered.
func ParseSensorType(s string) (SensorType, error) {
	t := SensorType(strings.ToLower(strings.TrimSpace(s)))
	if !sensorTypePattern.MatchString(string(t)) {
		return "", fmt.Errorf("invalid sensor type %q", s)
	}
	return t, nil
}

// SensorReading is a validated measurement. The zero value is not a valid
// reading; use NewSensorReading.
type SensorReading struct {
	deviceID   int64
	sensorType SensorType
	value      float64
	latitude   float64
	longitude  float64
	timestamp  time.Time
}

// ReadingInput carries the raw fields of a reading before validation.
type ReadingInput struct {
	DeviceID   int64
	SensorType string
	Value      float64
	Latitude   float64
	Longitude  float64
	Timestamp  time.Time
}

// NewSensorReading validates in against the moment now and returns either a
// fully valid reading or a *ValidationError listing every failing field.
func NewSensorReading(in ReadingInput, now time.Time) (SensorReading, error) {
	verr := &ValidationError{Fields: map[string]string{}}

	if in.DeviceID <= 0 {
		verr.Fields["device_id"] = "must be a positive integer"
	}

	sensorType, err := ParseSensorType(in.SensorType)
	if err != nil {
		verr.Fields["sensor_type"] = err.Error()
	}

	switch {
	case math.IsNaN(in.Value) || math.IsInf(in.Value, 0):
		verr.Fields["value"] = "must be a finite number"
	case sensorType != "":
		if info, ok := LookupSensorType(sensorType); ok && !info.ValueRange.Contains(in.Value) {
			verr.Fields["value"] = fmt.Sprintf("%s value out of valid range (%v to %v %s)",
				sensorType, info.ValueRange.Min, info.ValueRange.Max, info.ValueRange.Unit)
		}
	}

	if math.IsNaN(in.Latitude) || in.Latitude < -90 || in.Latitude > 90 {
		verr.Fields["latitude"] = "must be between -90 and 90"
	}
	if math.IsNaN(in.Longitude) || in.Longitude < -180 || in.Longitude > 180 {
		verr.Fields["longitude"] = "must be between -180 and 180"
	}

	switch {
	case in.Timestamp.IsZero():
		verr.Fields["timestamp"] = "is required"
	case in.Timestamp.After(now):
		verr.Fields["timestamp"] = "cannot be in the future"
	}

	if len(verr.Fields) > 0 {
		return SensorReading{}, verr
	}

	return SensorReading{
		deviceID:   in.DeviceID,
		sensorType: sensorType,
		value:      in.Value,
		latitude:   in.Latitude,
		longitude:  in.Longitude,
		timestamp:  in.Timestamp.UTC(),
	}, nil
}

func (r SensorReading) DeviceID() int64        { return r.deviceID }
func (r SensorReading) SensorType() SensorType { return r.sensorType }
func (r SensorReading) Value() float64         { return r.value }
func (r SensorReading) Latitude() float64      { return r.latitude }
func (r SensorReading) Longitude() float64     { return r.longitude }
func (r SensorReading) Timestamp() time.Time   { return r.timestamp }

// ReadingPayload is the wire shape of a reading on the bus. It mirrors the
// downstream Avro schema, which expects the timestamp as a string.
type ReadingPayload struct {
	DeviceID   int64   `json:"device_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Timestamp  string  `json:"timestamp"`
}

// Payload returns the wire shape of r.
func (r SensorReading) Payload() ReadingPayload {
	return ReadingPayload{
		DeviceID:   r.deviceID,
		SensorType: string(r.sensorType),
		Value:      r.value,
		Latitude:   r.latitude,
		Longitude:  r.longitude,
		Timestamp:  r.timestamp.Format(time.RFC3339Nano),
	}
}

// MarshalJSON implements json.Marshaler.
func (r SensorReading) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}

// ValidationError reports the fields of a reading that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
