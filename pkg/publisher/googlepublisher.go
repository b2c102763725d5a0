package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// GooglePubsubPublisherConfig holds configuration for the Pub/Sub publisher.
type GooglePubsubPublisherConfig struct {
	ProjectID       string
	Topics          []string
	CredentialsFile string
	ClientOptions   []option.ClientOption
	PublishSettings pubsub.PublishSettings
}

// GetDefaultPublishSettings favours latency over batching: every submit waits
// for its own acknowledgement.
func GetDefaultPublishSettings() pubsub.PublishSettings {
	return pubsub.PublishSettings{
		DelayThreshold: 10 * time.Millisecond,
		CountThreshold: 100,
		ByteThreshold:  1e6,
		NumGoroutines:  10,
		Timeout:        30 * time.Second,
	}
}

// GooglePubsubPublisher publishes to Google Cloud Pub/Sub. Topic handles are
// created on first use and cached.
type GooglePubsubPublisher struct {
	client    *pubsub.Client
	projectID string
	topicIDs  []string
	settings  pubsub.PublishSettings
	logger    zerolog.Logger

	mu      sync.Mutex
	topics  map[string]*pubsub.Topic
	stopped bool
}

// NewGooglePubsubPublisher creates its own client from cfg.
func NewGooglePubsubPublisher(ctx context.Context, cfg GooglePubsubPublisherConfig, logger zerolog.Logger) (*GooglePubsubPublisher, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub publisher requires a project id")
	}
	opts := cfg.ClientOptions
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return NewGooglePubsubPublisherWithClient(client, cfg, logger), nil
}

// NewGooglePubsubPublisherWithClient wraps an existing client, which the
// publisher then owns and closes on Stop.
func NewGooglePubsubPublisherWithClient(client *pubsub.Client, cfg GooglePubsubPublisherConfig, logger zerolog.Logger) *GooglePubsubPublisher {
	settings := cfg.PublishSettings
	if settings.CountThreshold == 0 && settings.NumGoroutines == 0 && settings.Timeout == 0 {
		settings = GetDefaultPublishSettings()
	}
	p := &GooglePubsubPublisher{
		client:    client,
		projectID: client.Project(),
		topicIDs:  append([]string(nil), cfg.Topics...),
		settings:  settings,
		logger:    logger.With().Str("component", "GooglePubsubPublisher").Logger(),
		topics:    make(map[string]*pubsub.Topic),
	}
	p.logger.Info().Str("project_id", p.projectID).Strs("topics", p.topicIDs).Msg("GooglePubsubPublisher initialized successfully")
	return p
}

func (p *GooglePubsubPublisher) topic(id string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, pubsub.ErrTopicStopped
	}
	if t, ok := p.topics[id]; ok {
		return t, nil
	}
	t := p.client.Topic(id)
	t.PublishSettings.DelayThreshold = p.settings.DelayThreshold
	t.PublishSettings.CountThreshold = p.settings.CountThreshold
	t.PublishSettings.ByteThreshold = p.settings.ByteThreshold
	t.PublishSettings.NumGoroutines = p.settings.NumGoroutines
	t.PublishSettings.Timeout = p.settings.Timeout
	p.topics[id] = t
	return t, nil
}

// Publish waits for the server acknowledgement under ctx.
func (p *GooglePubsubPublisher) Publish(ctx context.Context, topicID string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", &PublishError{Kind: Permanent, Topic: topicID, Err: errors.New("cannot publish an empty payload")}
	}
	t, err := p.topic(topicID)
	if err != nil {
		return "", Classify(topicID, err)
	}

	result := t.Publish(ctx, &pubsub.Message{Data: payload})
	msgID, err := result.Get(ctx)
	if err != nil {
		perr := Classify(topicID, err)
		p.logger.Debug().Err(err).Str("topic", topicID).Str("kind", perr.Kind.String()).Msg("Pub/Sub publish attempt failed")
		return "", perr
	}
	p.logger.Debug().Str("message_id", msgID).Str("topic", topicID).Msg("Message published successfully to Pub/Sub")
	return msgID, nil
}

// HealthCheck verifies that every configured topic exists.
func (p *GooglePubsubPublisher) HealthCheck(ctx context.Context) Health {
	h := Health{Status: StatusHealthy, Mode: ModePubSub, ProjectID: p.projectID, Topics: make(map[string]bool, len(p.topicIDs))}
	for _, id := range p.topicIDs {
		t, err := p.topic(id)
		if err != nil {
			h.Status = StatusUnhealthy
			h.Error = err.Error()
			return h
		}
		exists, err := t.Exists(ctx)
		if err != nil {
			h.Status = StatusUnhealthy
			h.Error = fmt.Sprintf("checking topic %q: %v", id, err)
			return h
		}
		h.Topics[id] = exists
		if !exists {
			h.Status = StatusUnhealthy
			h.Error = fmt.Sprintf("topic %q does not exist", id)
		}
	}
	return h
}

// Mode returns ModePubSub.
func (p *GooglePubsubPublisher) Mode() Mode { return ModePubSub }

// Stop flushes every cached topic and closes the client. It is idempotent.
func (p *GooglePubsubPublisher) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	topics := p.topics
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()

	p.logger.Info().Msg("Stopping GooglePubsubPublisher...")
	for id, t := range topics {
		t.Stop()
		p.logger.Debug().Str("topic", id).Msg("Pub/Sub topic stopped and flushed.")
	}
	if err := p.client.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		return
	}
	p.logger.Info().Msg("Pub/Sub client closed.")
}
