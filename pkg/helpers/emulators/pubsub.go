package emulators

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

const (
	testPubsubEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	testPubsubEmulatorPort  = "8085"

	// VerifySubscriptionSuffix names the subscription created for every topic.
	VerifySubscriptionSuffix = "-verify"
)

// PubsubConfig lists the sensor topics to create before a test runs.
type PubsubConfig struct {
	GCImageContainer
	Topics []string
}

// GetDefaultPubsubConfig uses the gcloud emulators image.
func GetDefaultPubsubConfig(projectID string, topics ...string) PubsubConfig {
	return PubsubConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testPubsubEmulatorImage,
				EmulatorHTTPPort: testPubsubEmulatorPort,
			},
			ProjectID: projectID,
		},
		Topics: topics,
	}
}

// PubsubEmulator is a running emulator with the configured topics in place.
type PubsubEmulator struct {
	ProjectID     string
	ClientOptions []option.ClientOption
}

// SetupPubsubEmulator starts the emulator and creates each topic together with
// a "<topic>-verify" subscription that tests read from. The container is
// terminated when the test ends.
func SetupPubsubEmulator(t *testing.T, ctx context.Context, cfg PubsubConfig) *PubsubEmulator {
	t.Helper()
	port := nat.Port(fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort))
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.EmulatorImage,
			ExposedPorts: []string{string(port)},
			Cmd: []string{"gcloud", "beta", "emulators", "pubsub", "start",
				"--project=" + cfg.ProjectID, "--host-port=0.0.0.0:" + cfg.EmulatorHTTPPort},
			WaitingFor: wait.ForListeningPort(port),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate Pub/Sub emulator container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	endpoint := fmt.Sprintf("%s:%s", host, mapped.Port())
	t.Logf("Pub/Sub emulator listening on %s", endpoint)
	if cfg.SetEnvVariables {
		t.Setenv("PUBSUB_EMULATOR_HOST", endpoint)
	}

	emu := &PubsubEmulator{
		ProjectID:     cfg.ProjectID,
		ClientOptions: []option.ClientOption{option.WithEndpoint(endpoint), option.WithoutAuthentication()},
	}

	admin := emu.client(t, ctx)
	for _, topicID := range cfg.Topics {
		topic, err := admin.CreateTopic(ctx, topicID)
		require.NoError(t, err, "creating topic %s", topicID)
		_, err = admin.CreateSubscription(ctx, topicID+VerifySubscriptionSuffix, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		require.NoError(t, err, "creating verify subscription for %s", topicID)
	}
	return emu
}

func (e *PubsubEmulator) client(t *testing.T, ctx context.Context) *pubsub.Client {
	t.Helper()
	c, err := pubsub.NewClient(ctx, e.ProjectID, e.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ReceiveOne acks and returns the next message published to topicID, failing
// the test if none arrives within timeout.
func (e *PubsubEmulator) ReceiveOne(t *testing.T, ctx context.Context, topicID string, timeout time.Duration) *pubsub.Message {
	t.Helper()
	sub := e.client(t, ctx).Subscription(topicID + VerifySubscriptionSuffix)
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu  sync.Mutex
		got *pubsub.Message
	)
	err := sub.Receive(recvCtx, func(_ context.Context, m *pubsub.Message) {
		m.Ack()
		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			got = m
			cancel()
		}
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got, "no message received on %s within %s", topicID, timeout)
	return got
}
