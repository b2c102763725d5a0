package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const testProjectID = "test-sensorgate-project"

func setupTestPubsub(t *testing.T, topicIDs ...string) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	opts := []option.ClientOption{
		option.WithEndpoint(srv.Addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}

	client, err := pubsub.NewClient(ctx, testProjectID, opts...)
	require.NoError(t, err)

	for _, id := range topicIDs {
		_, err := client.CreateTopic(ctx, id)
		require.NoError(t, err)
	}
	return srv, client
}

func TestGooglePubsubPublisher_Publish(t *testing.T) {
	srv, client := setupTestPubsub(t, "sensor-temperature")
	p := NewGooglePubsubPublisherWithClient(client, GooglePubsubPublisherConfig{Topics: []string{"sensor-temperature"}}, zerolog.Nop())
	t.Cleanup(p.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := []byte(`{"device_id":12345,"sensor_type":"temperature","value":23.5}`)
	msgID, err := p.Publish(ctx, "sensor-temperature", payload)
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msgID, msgs[0].ID)
	assert.Equal(t, payload, msgs[0].Data)
	assert.Equal(t, ModePubSub, p.Mode())
}

func TestGooglePubsubPublisher_MissingTopicIsPermanent(t *testing.T) {
	_, client := setupTestPubsub(t)
	p := NewGooglePubsubPublisherWithClient(client, GooglePubsubPublisherConfig{}, zerolog.Nop())
	t.Cleanup(p.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.Publish(ctx, "does-not-exist", []byte(`{}`))
	require.Error(t, err)
	var perr *PublishError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, Permanent, perr.Kind)
	assert.Equal(t, "does-not-exist", perr.Topic)
}

func TestGooglePubsubPublisher_EmptyPayload(t *testing.T) {
	_, client := setupTestPubsub(t, "t")
	p := NewGooglePubsubPublisherWithClient(client, GooglePubsubPublisherConfig{}, zerolog.Nop())
	t.Cleanup(p.Stop)

	_, err := p.Publish(context.Background(), "t", nil)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestGooglePubsubPublisher_HealthCheck(t *testing.T) {
	t.Run("all topics exist", func(t *testing.T) {
		_, client := setupTestPubsub(t, "a", "b")
		p := NewGooglePubsubPublisherWithClient(client, GooglePubsubPublisherConfig{Topics: []string{"a", "b"}}, zerolog.Nop())
		t.Cleanup(p.Stop)

		h := p.HealthCheck(context.Background())
		assert.Equal(t, StatusHealthy, h.Status)
		assert.Equal(t, testProjectID, h.ProjectID)
		assert.Equal(t, map[string]bool{"a": true, "b": true}, h.Topics)
	})

	t.Run("missing topic", func(t *testing.T) {
		_, client := setupTestPubsub(t, "a")
		p := NewGooglePubsubPublisherWithClient(client, GooglePubsubPublisherConfig{Topics: []string{"a", "b"}}, zerolog.Nop())
		t.Cleanup(p.Stop)

		h := p.HealthCheck(context.Background())
		assert.Equal(t, StatusUnhealthy, h.Status)
		assert.False(t, h.Topics["b"])
		assert.Contains(t, h.Error, `"b"`)
	})
}

func TestGooglePubsubPublisher_PublishAfterStop(t *testing.T) {
	_, client := setupTestPubsub(t, "t")
	p := NewGooglePubsubPublisherWithClient(client, GooglePubsubPublisherConfig{}, zerolog.Nop())

	_, err := p.Publish(context.Background(), "t", []byte(`{}`))
	require.NoError(t, err)

	p.Stop()
	p.Stop()

	_, err = p.Publish(context.Background(), "t", []byte(`{}`))
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, pubsub.ErrTopicStopped)
}

func TestNewGooglePubsubPublisher_RequiresProject(t *testing.T) {
	_, err := NewGooglePubsubPublisher(context.Background(), GooglePubsubPublisherConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
