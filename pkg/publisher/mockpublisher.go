package publisher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultMaxMessagesPerTopic bounds the mock store per topic.
const DefaultMaxMessagesPerTopic = 1000

// Stats summarises the mock store.
type Stats struct {
	TotalMessages       int            `json:"total_messages"`
	TopicsCount         int            `json:"topics_count"`
	Topics              []string       `json:"topics"`
	MessagesPerTopic    map[string]int `json:"messages_per_topic"`
	MessageCounter      int64          `json:"message_counter"`
	MaxMessagesPerTopic int            `json:"max_messages_per_topic"`
}

// Inspector exposes what the mock publisher has stored. Only the mock
// implements it.
type Inspector interface {
	// List returns stored envelopes grouped by topic, oldest first. An empty
	// topic returns every topic.
	List(topic string) map[string][]types.Envelope
	Stats() Stats
	// Clear removes stored envelopes for topic, or for every topic when empty.
	Clear(topic string)
}

// MockPublisherConfig configures the in-memory publisher.
type MockPublisherConfig struct {
	ProjectID           string
	Topics              []string
	MaxMessagesPerTopic int
}

// MockPublisher keeps published envelopes in memory. It never fails unless a
// failure has been injected with SetFailure.
type MockPublisher struct {
	projectID string
	topicIDs  []string
	maxPer    int
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	store    map[string][]types.Envelope
	counter  int64
	calls    int
	failWith error
}

// NewMockPublisher returns an empty store.
func NewMockPublisher(cfg MockPublisherConfig, logger zerolog.Logger) *MockPublisher {
	if cfg.MaxMessagesPerTopic <= 0 {
		cfg.MaxMessagesPerTopic = DefaultMaxMessagesPerTopic
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = "mock-project"
	}
	m := &MockPublisher{
		projectID: cfg.ProjectID,
		topicIDs:  append([]string(nil), cfg.Topics...),
		maxPer:    cfg.MaxMessagesPerTopic,
		logger:    logger.With().Str("component", "MockPublisher").Logger(),
		now:       time.Now,
		store:     make(map[string][]types.Envelope),
	}
	m.logger.Info().Str("project_id", m.projectID).Int("max_messages_per_topic", m.maxPer).Msg("Mock Pub/Sub publisher initialized")
	return m
}

// Publish stores the payload and returns a mock message id.
func (m *MockPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if err := ctx.Err(); err != nil {
		return "", Classify(topic, err)
	}
	if m.failWith != nil {
		perr := Classify(topic, m.failWith)
		if perr.Topic == "" {
			perr.Topic = topic
		}
		return "", perr
	}

	m.counter++
	now := m.now().UTC()
	env := types.Envelope{
		MessageID:   fmt.Sprintf("mock-msg-%d-%d", now.Unix(), m.counter),
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		PublishedAt: now,
		Attributes:  map[string]string{},
	}

	msgs := m.store[topic]
	if len(msgs) >= m.maxPer {
		msgs = append(msgs[:0:0], msgs[len(msgs)-m.maxPer+1:]...)
	}
	m.store[topic] = append(msgs, env)

	m.logger.Debug().Str("message_id", env.MessageID).Str("topic", topic).Int("bytes", len(payload)).Msg("Mock Pub/Sub message published")
	return env.MessageID, nil
}

// SetFailure makes every following Publish fail with err until it is called
// with nil. Errors that are not a *PublishError are classified as usual.
func (m *MockPublisher) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Calls returns how many times Publish has been invoked.
func (m *MockPublisher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// List implements Inspector.
func (m *MockPublisher) List(topic string) map[string][]types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if topic != "" {
		return map[string][]types.Envelope{topic: copyEnvelopes(m.store[topic])}
	}
	out := make(map[string][]types.Envelope, len(m.store))
	for t, msgs := range m.store {
		out[t] = copyEnvelopes(msgs)
	}
	return out
}

func copyEnvelopes(msgs []types.Envelope) []types.Envelope {
	out := make([]types.Envelope, 0, len(msgs))
	for _, env := range msgs {
		env.Payload = append([]byte(nil), env.Payload...)
		attrs := make(map[string]string, len(env.Attributes))
		for k, v := range env.Attributes {
			attrs[k] = v
		}
		env.Attributes = attrs
		out = append(out, env)
	}
	return out
}

// Stats implements Inspector.
func (m *MockPublisher) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *MockPublisher) statsLocked() Stats {
	s := Stats{
		Topics:              make([]string, 0, len(m.store)),
		MessagesPerTopic:    make(map[string]int, len(m.store)),
		MessageCounter:      m.counter,
		MaxMessagesPerTopic: m.maxPer,
	}
	for t, msgs := range m.store {
		s.Topics = append(s.Topics, t)
		s.MessagesPerTopic[t] = len(msgs)
		s.TotalMessages += len(msgs)
	}
	sort.Strings(s.Topics)
	s.TopicsCount = len(s.Topics)
	return s
}

// Clear implements Inspector.
func (m *MockPublisher) Clear(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if topic == "" {
		m.store = make(map[string][]types.Envelope)
		m.logger.Info().Msg("Cleared all mock messages")
		return
	}
	delete(m.store, topic)
	m.logger.Info().Str("topic", topic).Msg("Cleared mock messages for topic")
}

// HealthCheck always reports healthy and includes the store statistics.
func (m *MockPublisher) HealthCheck(ctx context.Context) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.statsLocked()
	topics := make(map[string]bool, len(m.topicIDs))
	for _, t := range m.topicIDs {
		topics[t] = true
	}
	return Health{Status: StatusHealthy, Mode: ModeMock, ProjectID: m.projectID, Topics: topics, MockStats: &stats}
}

// Mode returns ModeMock.
func (m *MockPublisher) Mode() Mode { return ModeMock }

// Stop is a no-op; stored envelopes stay readable.
func (m *MockPublisher) Stop() {
	m.logger.Info().Msg("Mock Pub/Sub publisher stopped")
}
