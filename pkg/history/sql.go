package history

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

var (
	projectIDPattern = regexp.MustCompile(`^[a-z][a-z0-9.:-]{0,127}$`)
	identPattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,1023}$`)
)

// tableRef returns the back-quoted fully qualified table name. Identifiers
// cannot be query parameters, so they are checked instead.
func tableRef(projectID, datasetID, tableID string) (string, error) {
	if !projectIDPattern.MatchString(projectID) {
		return "", fmt.Errorf("invalid project id %q", projectID)
	}
	if !identPattern.MatchString(datasetID) {
		return "", fmt.Errorf("invalid dataset id %q", datasetID)
	}
	if !identPattern.MatchString(tableID) {
		return "", fmt.Errorf("invalid table id %q", tableID)
	}
	return fmt.Sprintf("`%s.%s.%s`", projectID, datasetID, tableID), nil
}

// whereClause builds the filter shared by the raw and aggregated queries.
func whereClause(q Query) (string, []bigquery.QueryParameter) {
	conds := []string{"timestamp >= @start_time", "timestamp < @end_time"}
	params := []bigquery.QueryParameter{
		{Name: "start_time", Value: q.Start.UTC()},
		{Name: "end_time", Value: q.End.UTC()},
	}
	if q.SensorType != "" {
		conds = append(conds, "sensor_type = @sensor_type")
		params = append(params, bigquery.QueryParameter{Name: "sensor_type", Value: string(q.SensorType)})
	}
	if q.DeviceID > 0 {
		conds = append(conds, "device_id = @device_id")
		params = append(params, bigquery.QueryParameter{Name: "device_id", Value: q.DeviceID})
	}
	addBound := func(column, op, name string, v *float64) {
		if v == nil {
			return
		}
		conds = append(conds, fmt.Sprintf("%s %s @%s", column, op, name))
		params = append(params, bigquery.QueryParameter{Name: name, Value: *v})
	}
	addBound("latitude", ">=", "latitude_min", q.LatitudeMin)
	addBound("latitude", "<=", "latitude_max", q.LatitudeMax)
	addBound("longitude", ">=", "longitude_min", q.LongitudeMin)
	addBound("longitude", "<=", "longitude_max", q.LongitudeMax)
	return "WHERE " + strings.Join(conds, " AND "), params
}

func historicalSQL(table string, q Query) (string, []bigquery.QueryParameter) {
	where, params := whereClause(q)
	sql := fmt.Sprintf(`SELECT timestamp, device_id, sensor_type, value, latitude, longitude
FROM %s
%s
ORDER BY timestamp
LIMIT %d`, table, where, MaxPoints)
	return sql, params
}

func aggregationExpr(a Aggregation) string {
	switch a {
	case AggregationMin:
		return "MIN(value)"
	case AggregationMax:
		return "MAX(value)"
	case AggregationCount:
		return "CAST(COUNT(*) AS FLOAT64)"
	case AggregationSum:
		return "SUM(value)"
	case AggregationFirst:
		return "ARRAY_AGG(value ORDER BY timestamp ASC LIMIT 1)[OFFSET(0)]"
	case AggregationLast:
		return "ARRAY_AGG(value ORDER BY timestamp DESC LIMIT 1)[OFFSET(0)]"
	default:
		return "AVG(value)"
	}
}

func aggregatedSQL(table string, q Query) (string, []bigquery.QueryParameter) {
	where, params := whereClause(q)
	sql := fmt.Sprintf(`SELECT sensor_type, device_id, %s AS value, COUNT(*) AS count
FROM %s
%s
GROUP BY sensor_type, device_id
ORDER BY sensor_type, device_id`, aggregationExpr(q.Aggregation), table, where)
	return sql, params
}

func deviceListSQL(table string, since time.Time, sensorType types.SensorType) (string, []bigquery.QueryParameter) {
	where := "WHERE timestamp >= @since"
	params := []bigquery.QueryParameter{{Name: "since", Value: since.UTC()}}
	if sensorType != "" {
		where += " AND sensor_type = @sensor_type"
		params = append(params, bigquery.QueryParameter{Name: "sensor_type", Value: string(sensorType)})
	}
	sql := fmt.Sprintf(`SELECT device_id,
  ARRAY_AGG(DISTINCT sensor_type ORDER BY sensor_type) AS sensor_types,
  MIN(timestamp) AS first_seen,
  MAX(timestamp) AS last_seen,
  COUNT(*) AS total_measurements,
  ARRAY_AGG(latitude ORDER BY timestamp DESC LIMIT 1)[OFFSET(0)] AS last_latitude,
  ARRAY_AGG(longitude ORDER BY timestamp DESC LIMIT 1)[OFFSET(0)] AS last_longitude
FROM %s
%s
GROUP BY device_id
ORDER BY device_id`, table, where)
	return sql, params
}

func sensorStatsSQL(table string, since time.Time) (string, []bigquery.QueryParameter) {
	sql := fmt.Sprintf(`SELECT sensor_type,
  COUNT(DISTINCT device_id) AS device_count,
  COUNT(*) AS total_measurements,
  MIN(timestamp) AS first_measurement,
  MAX(timestamp) AS last_measurement,
  MIN(value) AS value_min,
  MAX(value) AS value_max,
  AVG(value) AS value_mean
FROM %s
WHERE timestamp >= @since
GROUP BY sensor_type
ORDER BY sensor_type`, table)
	return sql, []bigquery.QueryParameter{{Name: "since", Value: since.UTC()}}
}

func totalDevicesSQL(table string, since time.Time) (string, []bigquery.QueryParameter) {
	sql := fmt.Sprintf(`SELECT COUNT(DISTINCT device_id) AS total_devices
FROM %s
WHERE timestamp >= @since`, table)
	return sql, []bigquery.QueryParameter{{Name: "since", Value: since.UTC()}}
}
