package emulators

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

const (
	testBigQueryEmulatorImage = "ghcr.io/goccy/bigquery-emulator:0.6.6"
	testBigQueryGRPCPort      = "9060"
	testBigQueryRestPort      = "9050"
)

// ReadingRow is one row of the readings table the history executor queries.
type ReadingRow struct {
	DeviceID   int64     `bigquery:"device_id"`
	SensorType string    `bigquery:"sensor_type"`
	Value      float64   `bigquery:"value"`
	Latitude   float64   `bigquery:"latitude"`
	Longitude  float64   `bigquery:"longitude"`
	Timestamp  time.Time `bigquery:"timestamp"`
}

// ReadingsSchema is the readings table layout.
var ReadingsSchema = bigquery.Schema{
	{Name: "device_id", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "sensor_type", Type: bigquery.StringFieldType, Required: true},
	{Name: "value", Type: bigquery.FloatFieldType, Required: true},
	{Name: "latitude", Type: bigquery.FloatFieldType},
	{Name: "longitude", Type: bigquery.FloatFieldType},
	{Name: "timestamp", Type: bigquery.TimestampFieldType, Required: true},
}

// BigQueryConfig names the dataset and readings table to create.
type BigQueryConfig struct {
	GCImageContainer
	DatasetID string
	TableID   string
}

// GetDefaultBigQueryConfig uses the goccy emulator image.
func GetDefaultBigQueryConfig(projectID, datasetID, tableID string) BigQueryConfig {
	return BigQueryConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testBigQueryEmulatorImage,
				EmulatorHTTPPort: testBigQueryRestPort,
				EmulatorGRPCPort: testBigQueryGRPCPort,
			},
			ProjectID: projectID,
		},
		DatasetID: datasetID,
		TableID:   tableID,
	}
}

// BigQueryEmulator is a running emulator holding an empty readings table.
type BigQueryEmulator struct {
	ProjectID     string
	DatasetID     string
	TableID       string
	ClientOptions []option.ClientOption
}

// SetupBigQueryEmulator starts the emulator and creates the readings table.
// Clients reach it over REST. The container is terminated when the test ends.
func SetupBigQueryEmulator(t *testing.T, ctx context.Context, cfg BigQueryConfig) *BigQueryEmulator {
	t.Helper()
	httpPort := nat.Port(fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort))
	grpcPort := nat.Port(fmt.Sprintf("%s/tcp", cfg.EmulatorGRPCPort))
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.EmulatorImage,
			ExposedPorts: []string{string(httpPort), string(grpcPort)},
			Cmd: []string{
				"--project=" + cfg.ProjectID,
				"--port=" + cfg.EmulatorHTTPPort,
				"--grpc-port=" + cfg.EmulatorGRPCPort,
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(httpPort).WithStartupTimeout(60*time.Second),
				wait.ForListeningPort(grpcPort).WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate BigQuery emulator container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedRest, err := container.MappedPort(ctx, httpPort)
	require.NoError(t, err)
	mappedGrpc, err := container.MappedPort(ctx, grpcPort)
	require.NoError(t, err)

	endpoint := fmt.Sprintf("http://%s:%s", host, mappedRest.Port())
	if cfg.SetEnvVariables {
		t.Setenv("BIGQUERY_EMULATOR_HOST", fmt.Sprintf("%s:%s", host, mappedGrpc.Port()))
		t.Setenv("BIGQUERY_API_ENDPOINT", endpoint)
	}

	emu := &BigQueryEmulator{
		ProjectID: cfg.ProjectID,
		DatasetID: cfg.DatasetID,
		TableID:   cfg.TableID,
		ClientOptions: []option.ClientOption{
			option.WithEndpoint(endpoint),
			option.WithoutAuthentication(),
			option.WithHTTPClient(&http.Client{}),
		},
	}

	client := emu.client(t, ctx)
	require.NoError(t, client.Dataset(cfg.DatasetID).Create(ctx, &bigquery.DatasetMetadata{Name: cfg.DatasetID}))
	require.NoError(t, client.Dataset(cfg.DatasetID).Table(cfg.TableID).Create(ctx, &bigquery.TableMetadata{
		Name:   cfg.TableID,
		Schema: ReadingsSchema,
	}))
	return emu
}

func (e *BigQueryEmulator) client(t *testing.T, ctx context.Context) *bigquery.Client {
	t.Helper()
	c, err := bigquery.NewClient(ctx, e.ProjectID, e.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// InsertReadings streams rows into the readings table.
func (e *BigQueryEmulator) InsertReadings(t *testing.T, ctx context.Context, rows ...ReadingRow) {
	t.Helper()
	inserter := e.client(t, ctx).Dataset(e.DatasetID).Table(e.TableID).Inserter()
	require.NoError(t, inserter.Put(ctx, rows))
}
