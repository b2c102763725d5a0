package ingestion

import (
	"errors"
	"fmt"

	"github.com/EgorkaKv/sensor-gate/pkg/publisher"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

var (
	ErrUnknownCategory = errors.New("no topic configured for sensor category")
	ErrCircuitOpen     = errors.New("message bus circuit breaker is open")
	ErrTimeout         = errors.New("publish deadline exceeded")
	ErrPublishFailed   = errors.New("publish to message bus failed")
)

// Kind classifies a submit failure.
type Kind int

const (
	KindUnknownCategory Kind = iota + 1
	KindCircuitOpen
	KindTimeout
	KindPublishFailed
)

func (k Kind) String() string {
	switch k {
	case KindUnknownCategory:
		return "unknown_category"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimeout:
		return "timeout"
	case KindPublishFailed:
		return "publish_failed"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindUnknownCategory:
		return ErrUnknownCategory
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrPublishFailed
	}
}

// Error is the only error Submit returns. Unwrap yields the sentinel for Kind;
// the underlying client error is kept in Cause for logging.
type Error struct {
	Kind     Kind
	Category types.SensorType
	Topic    string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel().Error()
	switch {
	case e.Kind == KindUnknownCategory:
		msg = fmt.Sprintf("%s %q", msg, e.Category)
	case e.Topic != "":
		msg = fmt.Sprintf("%s (topic %q)", msg, e.Topic)
	}
	if e.Cause != nil && e.Kind != KindUnknownCategory {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind.sentinel()
}

// Retryable reports whether the same reading may succeed later. Only an
// unroutable category is final.
func (e *Error) Retryable() bool {
	return e.Kind != KindUnknownCategory
}

// PublishError returns the publisher's classified failure, if any.
func (e *Error) PublishError() *publisher.PublishError {
	var perr *publisher.PublishError
	if errors.As(e.Cause, &perr) {
		return perr
	}
	return nil
}
