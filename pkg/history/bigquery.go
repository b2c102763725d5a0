package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// BigQueryConfig locates the readings table.
type BigQueryConfig struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string
	ClientOptions   []option.ClientOption
}

// NewBigQueryClient creates a client using the credentials file when given and
// Application Default Credentials otherwise.
func NewBigQueryClient(ctx context.Context, cfg BigQueryConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	opts := cfg.ClientOptions
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client")
	} else if len(opts) == 0 {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryExecutor runs history queries with named parameters against a
// readings table with columns device_id, sensor_type, value, latitude,
// longitude and timestamp.
type BigQueryExecutor struct {
	client *bigquery.Client
	cfg    BigQueryConfig
	table  string
	logger zerolog.Logger
	now    func() time.Time
}

// NewBigQueryExecutor validates the table identifiers. The client stays owned
// by the caller.
func NewBigQueryExecutor(client *bigquery.Client, cfg BigQueryConfig, logger zerolog.Logger) (*BigQueryExecutor, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = client.Project()
	}
	table, err := tableRef(cfg.ProjectID, cfg.DatasetID, cfg.TableID)
	if err != nil {
		return nil, err
	}
	return &BigQueryExecutor{
		client: client,
		cfg:    cfg,
		table:  table,
		logger: logger.With().Str("component", "BigQueryExecutor").Str("table", table).Logger(),
		now:    time.Now,
	}, nil
}

func (e *BigQueryExecutor) read(ctx context.Context, sql string, params []bigquery.QueryParameter) (*bigquery.RowIterator, error) {
	q := e.client.Query(sql)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("running history query: %w", err)
	}
	return it, nil
}

type pointRow struct {
	Timestamp  time.Time `bigquery:"timestamp"`
	DeviceID   int64     `bigquery:"device_id"`
	SensorType string    `bigquery:"sensor_type"`
	Value      float64   `bigquery:"value"`
	Latitude   float64   `bigquery:"latitude"`
	Longitude  float64   `bigquery:"longitude"`
}

// QueryHistorical returns raw points ordered by time, at most MaxPoints.
func (e *BigQueryExecutor) QueryHistorical(ctx context.Context, q Query) ([]DataPoint, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	sql, params := historicalSQL(e.table, q)
	it, err := e.read(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	points := make([]DataPoint, 0)
	for {
		var row pointRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading history rows: %w", err)
		}
		points = append(points, DataPoint{
			Timestamp:  row.Timestamp.UTC(),
			DeviceID:   row.DeviceID,
			SensorType: types.SensorType(row.SensorType),
			Value:      row.Value,
			Latitude:   row.Latitude,
			Longitude:  row.Longitude,
		})
	}
	e.logger.Debug().Int("points", len(points)).Dur("elapsed", time.Since(start)).Msg("Historical query completed")
	return points, nil
}

type aggregatedRow struct {
	SensorType string  `bigquery:"sensor_type"`
	DeviceID   int64   `bigquery:"device_id"`
	Value      float64 `bigquery:"value"`
	Count      int64   `bigquery:"count"`
}

// QueryAggregated reduces values per sensor type and device.
func (e *BigQueryExecutor) QueryAggregated(ctx context.Context, q Query) ([]AggregatedPoint, error) {
	if q.Aggregation == "" {
		q.Aggregation = AggregationMean
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	sql, params := aggregatedSQL(e.table, q)
	it, err := e.read(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	points := make([]AggregatedPoint, 0)
	for {
		var row aggregatedRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading aggregated rows: %w", err)
		}
		points = append(points, AggregatedPoint{
			SensorType:      types.SensorType(row.SensorType),
			DeviceID:        row.DeviceID,
			AggregationType: q.Aggregation,
			Value:           row.Value,
			Count:           row.Count,
			StartTime:       q.Start.UTC(),
			EndTime:         q.End.UTC(),
		})
	}
	return points, nil
}

type deviceRow struct {
	DeviceID          int64     `bigquery:"device_id"`
	SensorTypes       []string  `bigquery:"sensor_types"`
	FirstSeen         time.Time `bigquery:"first_seen"`
	LastSeen          time.Time `bigquery:"last_seen"`
	TotalMeasurements int64     `bigquery:"total_measurements"`
	LastLatitude      float64   `bigquery:"last_latitude"`
	LastLongitude     float64   `bigquery:"last_longitude"`
}

// ListDevices summarises the devices seen in the last DeviceWindow.
func (e *BigQueryExecutor) ListDevices(ctx context.Context, sensorType types.SensorType) ([]DeviceInfo, error) {
	sql, params := deviceListSQL(e.table, e.now().Add(-DeviceWindow), sensorType)
	it, err := e.read(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceInfo, 0)
	for {
		var row deviceRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading device rows: %w", err)
		}
		st := make([]types.SensorType, 0, len(row.SensorTypes))
		for _, s := range row.SensorTypes {
			st = append(st, types.SensorType(s))
		}
		devices = append(devices, DeviceInfo{
			DeviceID:          row.DeviceID,
			SensorTypes:       st,
			FirstSeen:         row.FirstSeen.UTC(),
			LastSeen:          row.LastSeen.UTC(),
			TotalMeasurements: row.TotalMeasurements,
			LastLocation:      Location{Latitude: row.LastLatitude, Longitude: row.LastLongitude},
		})
	}
	return devices, nil
}

type statsRow struct {
	SensorType        string    `bigquery:"sensor_type"`
	DeviceCount       int64     `bigquery:"device_count"`
	TotalMeasurements int64     `bigquery:"total_measurements"`
	FirstMeasurement  time.Time `bigquery:"first_measurement"`
	LastMeasurement   time.Time `bigquery:"last_measurement"`
	ValueMin          float64   `bigquery:"value_min"`
	ValueMax          float64   `bigquery:"value_max"`
	ValueMean         float64   `bigquery:"value_mean"`
}

type totalDevicesRow struct {
	TotalDevices int64 `bigquery:"total_devices"`
}

// SensorTypeStats summarises each sensor type over the last DeviceWindow.
func (e *BigQueryExecutor) SensorTypeStats(ctx context.Context) (StatsSummary, error) {
	since := e.now().Add(-DeviceWindow)
	sql, params := sensorStatsSQL(e.table, since)
	it, err := e.read(ctx, sql, params)
	if err != nil {
		return StatsSummary{}, err
	}
	summary := StatsSummary{Stats: make([]SensorTypeStats, 0)}
	for {
		var row statsRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return StatsSummary{}, fmt.Errorf("reading stats rows: %w", err)
		}
		s := SensorTypeStats{
			SensorType:        types.SensorType(row.SensorType),
			DeviceCount:       row.DeviceCount,
			TotalMeasurements: row.TotalMeasurements,
			FirstMeasurement:  row.FirstMeasurement.UTC(),
			LastMeasurement:   row.LastMeasurement.UTC(),
			ValueStats:        ValueStats{Min: row.ValueMin, Max: row.ValueMax, Mean: row.ValueMean},
		}
		summary.Stats = append(summary.Stats, s)
		summary.TotalMeasurements += s.TotalMeasurements
		summary.TimeRange = widen(summary.TimeRange, s.FirstMeasurement, s.LastMeasurement)
	}

	sql, params = totalDevicesSQL(e.table, since)
	it, err = e.read(ctx, sql, params)
	if err != nil {
		return StatsSummary{}, err
	}
	var total totalDevicesRow
	if err := it.Next(&total); err != nil && !errors.Is(err, iterator.Done) {
		return StatsSummary{}, fmt.Errorf("reading device total: %w", err)
	}
	summary.TotalDevices = total.TotalDevices
	return summary, nil
}

func widen(r TimeRange, first, last time.Time) TimeRange {
	if r.Start.IsZero() || first.Before(r.Start) {
		r.Start = first
	}
	if last.After(r.End) {
		r.End = last
	}
	return r
}

// HealthCheck reads the table metadata.
func (e *BigQueryExecutor) HealthCheck(ctx context.Context) Health {
	h := Health{Status: StatusHealthy, Backend: "bigquery", Table: e.table}
	if _, err := e.client.DatasetInProject(e.cfg.ProjectID, e.cfg.DatasetID).Table(e.cfg.TableID).Metadata(ctx); err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
	}
	return h
}
