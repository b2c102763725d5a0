// Package history answers queries over previously ingested readings.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

// ErrUnavailable is returned by every query when no history backend is configured.
var ErrUnavailable = errors.New("historical data backend is not configured")

// DeviceWindow is how far back device listings and statistics look.
const DeviceWindow = 30 * 24 * time.Hour

// MaxPoints caps the number of raw points one query returns.
const MaxPoints = 10000

// Aggregation is a reduction applied to values per sensor type and device.
type Aggregation string

const (
	AggregationMean  Aggregation = "mean"
	AggregationMin   Aggregation = "min"
	AggregationMax   Aggregation = "max"
	AggregationCount Aggregation = "count"
	AggregationSum   Aggregation = "sum"
	AggregationFirst Aggregation = "first"
	AggregationLast  Aggregation = "last"
)

// ParseAggregation accepts the lower-case aggregation names; empty means mean.
func ParseAggregation(s string) (Aggregation, error) {
	switch a := Aggregation(s); a {
	case "":
		return AggregationMean, nil
	case AggregationMean, AggregationMin, AggregationMax, AggregationCount,
		AggregationSum, AggregationFirst, AggregationLast:
		return a, nil
	default:
		return "", fmt.Errorf("unknown aggregation %q", s)
	}
}

// Query selects readings in [Start, End). Zero-valued filters are ignored.
type Query struct {
	Start        time.Time
	End          time.Time
	SensorType   types.SensorType
	DeviceID     int64
	LatitudeMin  *float64
	LatitudeMax  *float64
	LongitudeMin *float64
	LongitudeMax *float64
	Aggregation  Aggregation
}

// Validate returns a *types.ValidationError describing every invalid parameter.
func (q Query) Validate() error {
	verr := &types.ValidationError{Fields: map[string]string{}}

	switch {
	case q.Start.IsZero():
		verr.Fields["start_time"] = "is required"
	case q.End.IsZero():
		verr.Fields["end_time"] = "is required"
	case !q.End.After(q.Start):
		verr.Fields["end_time"] = "must be after start_time"
	}
	if q.DeviceID < 0 {
		verr.Fields["device_id"] = "must be a positive integer"
	}
	checkBound(verr, "latitude_min", q.LatitudeMin, 90)
	checkBound(verr, "latitude_max", q.LatitudeMax, 90)
	checkBound(verr, "longitude_min", q.LongitudeMin, 180)
	checkBound(verr, "longitude_max", q.LongitudeMax, 180)
	if q.LatitudeMin != nil && q.LatitudeMax != nil && *q.LatitudeMax <= *q.LatitudeMin {
		verr.Fields["latitude_max"] = "must be greater than latitude_min"
	}
	if q.LongitudeMin != nil && q.LongitudeMax != nil && *q.LongitudeMax <= *q.LongitudeMin {
		verr.Fields["longitude_max"] = "must be greater than longitude_min"
	}
	if q.Aggregation != "" {
		if _, err := ParseAggregation(string(q.Aggregation)); err != nil {
			verr.Fields["aggregation"] = err.Error()
		}
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func checkBound(verr *types.ValidationError, field string, v *float64, limit float64) {
	if v != nil && (*v < -limit || *v > limit) {
		verr.Fields[field] = fmt.Sprintf("must be between %v and %v", -limit, limit)
	}
}

// DataPoint is one stored reading.
type DataPoint struct {
	Timestamp  time.Time        `json:"timestamp"`
	DeviceID   int64            `json:"device_id"`
	SensorType types.SensorType `json:"sensor_type"`
	Value      float64          `json:"value"`
	Latitude   float64          `json:"latitude"`
	Longitude  float64          `json:"longitude"`
}

// AggregatedPoint is one reduction result per sensor type and device.
type AggregatedPoint struct {
	SensorType      types.SensorType `json:"sensor_type"`
	DeviceID        int64            `json:"device_id,omitempty"`
	AggregationType Aggregation      `json:"aggregation_type"`
	Value           float64          `json:"value"`
	Count           int64            `json:"count"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
}

// Location is a coordinate pair.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DeviceInfo summarises one device over DeviceWindow.
type DeviceInfo struct {
	DeviceID          int64              `json:"device_id"`
	SensorTypes       []types.SensorType `json:"sensor_types"`
	FirstSeen         time.Time          `json:"first_seen"`
	LastSeen          time.Time          `json:"last_seen"`
	TotalMeasurements int64              `json:"total_measurements"`
	LastLocation      Location           `json:"last_location"`
}

// ValueStats are value summary statistics.
type ValueStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// SensorTypeStats summarises one sensor type over DeviceWindow.
type SensorTypeStats struct {
	SensorType        types.SensorType `json:"sensor_type"`
	DeviceCount       int64            `json:"device_count"`
	TotalMeasurements int64            `json:"total_measurements"`
	FirstMeasurement  time.Time        `json:"first_measurement"`
	LastMeasurement   time.Time        `json:"last_measurement"`
	ValueStats        ValueStats       `json:"value_stats"`
}

// TimeRange is a closed time interval.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// StatsSummary is the result of SensorTypeStats.
type StatsSummary struct {
	Stats             []SensorTypeStats `json:"stats"`
	TotalDevices      int64             `json:"total_devices"`
	TotalMeasurements int64             `json:"total_measurements"`
	TimeRange         TimeRange         `json:"time_range"`
}

// Status values reported by HealthCheck.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDisabled  = "disabled"
)

// Health is the result of a backend probe.
type Health struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Table   string `json:"table,omitempty"`
	Cache   string `json:"cache,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor runs history queries.
type Executor interface {
	QueryHistorical(ctx context.Context, q Query) ([]DataPoint, error)
	QueryAggregated(ctx context.Context, q Query) ([]AggregatedPoint, error)
	ListDevices(ctx context.Context, sensorType types.SensorType) ([]DeviceInfo, error)
	SensorTypeStats(ctx context.Context) (StatsSummary, error)
	HealthCheck(ctx context.Context) Health
}

// DisabledExecutor answers every query with ErrUnavailable.
type DisabledExecutor struct{}

func (DisabledExecutor) QueryHistorical(context.Context, Query) ([]DataPoint, error) {
	return nil, ErrUnavailable
}

func (DisabledExecutor) QueryAggregated(context.Context, Query) ([]AggregatedPoint, error) {
	return nil, ErrUnavailable
}

func (DisabledExecutor) ListDevices(context.Context, types.SensorType) ([]DeviceInfo, error) {
	return nil, ErrUnavailable
}

func (DisabledExecutor) SensorTypeStats(context.Context) (StatsSummary, error) {
	return StatsSummary{}, ErrUnavailable
}

func (DisabledExecutor) HealthCheck(context.Context) Health {
	return Health{Status: StatusDisabled, Backend: "none"}
}
