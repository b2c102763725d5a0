package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/go-chi/chi/v5"
)

// queryParser collects every malformed parameter before failing.
type queryParser struct {
	values url.Values
	errs   map[string]string
}

func (p *queryParser) timeParam(name string) time.Time {
	s := p.values.Get(name)
	if s == "" {
		return time.Time{}
	}
	t, err := types.ParseTimestamp(s)
	if err != nil {
		p.errs[name] = err.Error()
	}
	return t
}

func (p *queryParser) floatParam(name string) *float64 {
	s := p.values.Get(name)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.errs[name] = "must be a number"
		return nil
	}
	return &v
}

func (p *queryParser) idParam(name, s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		p.errs[name] = "must be a positive integer"
		return 0
	}
	return v
}

func (p *queryParser) sensorType(s string) types.SensorType {
	if s == "" {
		return ""
	}
	st, err := types.ParseSensorType(s)
	if err != nil {
		p.errs["sensor_type"] = err.Error()
	}
	return st
}

// parseHistoryQuery reads the shared query parameters. Path parameters, when
// present, take the place of the matching query parameter.
func parseHistoryQuery(r *http.Request) (history.Query, error) {
	p := &queryParser{values: r.URL.Query(), errs: map[string]string{}}

	sensorType := chi.URLParam(r, "sensor_type")
	if sensorType == "" {
		sensorType = p.values.Get("sensor_type")
	}
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		deviceID = p.values.Get("device_id")
	}

	q := history.Query{
		Start:        p.timeParam("start_time"),
		End:          p.timeParam("end_time"),
		SensorType:   p.sensorType(sensorType),
		DeviceID:     p.idParam("device_id", deviceID),
		LatitudeMin:  p.floatParam("latitude_min"),
		LatitudeMax:  p.floatParam("latitude_max"),
		LongitudeMin: p.floatParam("longitude_min"),
		LongitudeMax: p.floatParam("longitude_max"),
	}
	if agg := p.values.Get("aggregation"); agg != "" {
		q.Aggregation = history.Aggregation(agg)
	}

	if len(p.errs) > 0 {
		return history.Query{}, NewValidationError(p.errs)
	}
	if err := q.Validate(); err != nil {
		return history.Query{}, err
	}
	return q, nil
}

func queryParams(q history.Query) map[string]any {
	params := map[string]any{
		"start_time": q.Start,
		"end_time":   q.End,
	}
	if q.SensorType != "" {
		params["sensor_type"] = q.SensorType
	}
	if q.DeviceID != 0 {
		params["device_id"] = q.DeviceID
	}
	if q.LatitudeMin != nil {
		params["latitude_min"] = *q.LatitudeMin
	}
	if q.LatitudeMax != nil {
		params["latitude_max"] = *q.LatitudeMax
	}
	if q.LongitudeMin != nil {
		params["longitude_min"] = *q.LongitudeMin
	}
	if q.LongitudeMax != nil {
		params["longitude_max"] = *q.LongitudeMax
	}
	if q.Aggregation != "" {
		params["aggregation"] = q.Aggregation
	}
	return params
}

func elapsedMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func (h *Handler) historicalData(w http.ResponseWriter, r *http.Request) error {
	q, err := parseHistoryQuery(r)
	if err != nil {
		return err
	}

	start := time.Now()
	points, err := h.history.QueryHistorical(r.Context(), q)
	if err != nil {
		return err
	}
	if points == nil {
		points = []history.DataPoint{}
	}

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"data":              points,
		"total_count":       len(points),
		"query_params":      queryParams(q),
		"execution_time_ms": elapsedMillis(start),
	})
	return nil
}

func (h *Handler) aggregatedData(w http.ResponseWriter, r *http.Request) error {
	q, err := parseHistoryQuery(r)
	if err != nil {
		return err
	}
	if q.Aggregation == "" {
		q.Aggregation = history.AggregationMean
	}

	start := time.Now()
	points, err := h.history.QueryAggregated(r.Context(), q)
	if err != nil {
		return err
	}
	if points == nil {
		points = []history.AggregatedPoint{}
	}

	var total int64
	for _, p := range points {
		total += p.Count
	}

	RespondJSON(w, r, http.StatusOK, map[string]any{
		"data":              points,
		"total_count":       total,
		"query_params":      queryParams(q),
		"execution_time_ms": elapsedMillis(start),
	})
	return nil
}

func (h *Handler) historyBySensorType(w http.ResponseWriter, r *http.Request) error {
	return h.historicalData(w, r)
}

func (h *Handler) historyByDevice(w http.ResponseWriter, r *http.Request) error {
	return h.historicalData(w, r)
}

func (h *Handler) devices(w http.ResponseWriter, r *http.Request) error {
	p := &queryParser{values: r.URL.Query(), errs: map[string]string{}}
	sensorType := p.sensorType(p.values.Get("sensor_type"))
	if len(p.errs) > 0 {
		return NewValidationError(p.errs)
	}

	devices, err := h.history.ListDevices(r.Context(), sensorType)
	if err != nil {
		return err
	}
	if devices == nil {
		devices = []history.DeviceInfo{}
	}

	resp := map[string]any{
		"devices":     devices,
		"total_count": len(devices),
	}
	if sensorType != "" {
		resp["sensor_type_filter"] = sensorType
	}
	RespondJSON(w, r, http.StatusOK, resp)
	return nil
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) error {
	summary, err := h.history.SensorTypeStats(r.Context())
	if err != nil {
		return err
	}
	if summary.Stats == nil {
		summary.Stats = []history.SensorTypeStats{}
	}
	RespondJSON(w, r, http.StatusOK, summary)
	return nil
}
