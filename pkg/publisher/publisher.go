// Package publisher delivers serialized readings to named topics on the bus.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"

	"cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Mode identifies the publisher variant chosen at startup.
type Mode string

const (
	ModePubSub Mode = "pubsub"
	ModeMock   Mode = "mock"
)

// Publisher sends a payload to a topic and returns the bus message ID.
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Publish blocks until the bus acknowledges the message or ctx is done.
	// Failures are reported as *PublishError.
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
	HealthCheck(ctx context.Context) Health
	Mode() Mode
	// Stop flushes pending messages and releases resources.
	Stop()
}

// Status is the reported health of a publisher.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Health is the result of a publisher health probe.
type Health struct {
	Status    Status          `json:"status"`
	Mode      Mode            `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	Topics    map[string]bool `json:"topics,omitempty"`
	Error     string          `json:"error,omitempty"`
	MockStats *Stats          `json:"mock_stats,omitempty"`
}

// ErrorKind separates failures worth retrying from the rest.
type ErrorKind int

const (
	Permanent ErrorKind = iota
	Transient
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// PublishError is the only error type a Publisher returns.
type PublishError struct {
	Kind  ErrorKind
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q failed (%s): %v", e.Topic, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may succeed on a later attempt.
func (e *PublishError) Transient() bool {
	return e.Kind == Transient
}

// IsTransient reports whether err is a transient *PublishError. It is the
// classifier handed to the retry policy.
func IsTransient(err error) bool {
	var perr *PublishError
	return errors.As(err, &perr) && perr.Transient()
}

// Classify wraps a raw client error into a *PublishError.
func Classify(topic string, err error) *PublishError {
	if err == nil {
		return nil
	}
	var perr *PublishError
	if errors.As(err, &perr) {
		return perr
	}
	return &PublishError{Kind: classifyKind(err), Topic: topic, Err: err}
}

func classifyKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	if errors.Is(err, pubsub.ErrOversizedMessage) || errors.Is(err, pubsub.ErrTopicStopped) {
		return Permanent
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Internal,
			codes.ResourceExhausted, codes.Aborted, codes.Unknown:
			return Transient
		default:
			return Permanent
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Permanent
}
