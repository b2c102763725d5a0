package emulators

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testMosquittoImage = "eclipse-mosquitto:2.0"
	testMosquittoPort  = "1883"
)

// anonymous listener; the stock 2.x image only listens on localhost.
const mosquittoConfig = "listener 1883\nallow_anonymous true\n"

// GetDefaultMqttImageContainer uses the eclipse-mosquitto image.
func GetDefaultMqttImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testMosquittoImage,
		EmulatorHTTPPort: testMosquittoPort,
	}
}

// SetupMosquittoContainer starts a broker and returns its tcp:// address.
// The container is terminated when the test finishes.
func SetupMosquittoContainer(t *testing.T, ctx context.Context, cfg ImageContainer) EmulatorConnectionInfo {
	t.Helper()
	port := fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort)
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{port},
		Files: []testcontainers.ContainerFile{{
			Reader:            strings.NewReader(mosquittoConfig),
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0o644,
		}},
		WaitingFor: wait.ForListeningPort(nat.Port(port)).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate Mosquitto container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)

	address := fmt.Sprintf("tcp://%s:%s", host, mapped.Port())
	t.Logf("Mosquitto container started, listening on: %s", address)
	return EmulatorConnectionInfo{EmulatorAddress: address}
}

// CreateTestMqttPublisher connects a plain client for publishing test messages.
func CreateTestMqttPublisher(brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("test mqtt publisher connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("test mqtt publisher connect error: %w", err)
	}
	return client, nil
}
