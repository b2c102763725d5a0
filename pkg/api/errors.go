package api

import (
	"errors"
	"net/http"

	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/EgorkaKv/sensor-gate/pkg/ingestion"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
)

// Error kinds reported in the response body.
const (
	KindValidation      = "validation"
	KindUnknownCategory = "unknown_category"
	KindCircuitOpen     = "circuit_open"
	KindTimeout         = "timeout"
	KindPublishFailed   = "publish_failed"
	KindUnauthorized    = "unauthorized"
	KindNotFound        = "not_found"
	KindUnavailable     = "unavailable"
	KindBadRequest      = "bad_request"
	KindInternal        = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	RequestID  string            `json:"request_id"`
	StatusCode int               `json:"status_code"`
	Message    string            `json:"message"`
	Kind       string            `json:"kind"`
	Errors     map[string]string `json:"errors,omitempty"`
	Retryable  bool              `json:"retryable"`

	headers map[string]string
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// NewError creates a simple error response. The kind is derived from the status.
func NewError(statusCode int, message string) *ErrorResponse {
	kind := KindBadRequest
	switch statusCode {
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusServiceUnavailable:
		kind = KindUnavailable
	case http.StatusInternalServerError:
		kind = KindInternal
	}
	return &ErrorResponse{StatusCode: statusCode, Message: message, Kind: kind}
}

// NewValidationError creates a 422 with field-level details.
func NewValidationError(fieldErrors map[string]string) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusUnprocessableEntity,
		Message:    "Validation failed",
		Kind:       KindValidation,
		Errors:     fieldErrors,
	}
}

func unauthorized(message string) *ErrorResponse {
	resp := NewError(http.StatusUnauthorized, message)
	resp.headers = map[string]string{"WWW-Authenticate": "ApiKey"}
	return resp
}

// errorResponseFor maps domain errors onto status codes.
func errorResponseFor(err error) *ErrorResponse {
	var (
		httpErr  *ErrorResponse
		ingErr   *ingestion.Error
		validErr *types.ValidationError
	)

	switch {
	case errors.As(err, &httpErr):
		return httpErr

	case errors.As(err, &validErr):
		return NewValidationError(validErr.Fields)

	case errors.As(err, &ingErr):
		return ingestionErrorResponse(ingErr)

	case errors.Is(err, history.ErrUnavailable):
		return &ErrorResponse{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "Historical data is not available",
			Kind:       KindUnavailable,
		}

	default:
		return &ErrorResponse{
			StatusCode: http.StatusInternalServerError,
			Message:    "Internal Server Error",
			Kind:       KindInternal,
		}
	}
}

func ingestionErrorResponse(err *ingestion.Error) *ErrorResponse {
	resp := &ErrorResponse{Retryable: err.Retryable()}
	switch err.Kind {
	case ingestion.KindUnknownCategory:
		resp.StatusCode = http.StatusUnprocessableEntity
		resp.Kind = KindUnknownCategory
		resp.Message = "Unsupported sensor category: " + string(err.Category)
		resp.Errors = map[string]string{"sensor_type": "no topic configured for this sensor type"}
	case ingestion.KindCircuitOpen:
		resp.StatusCode = http.StatusServiceUnavailable
		resp.Kind = KindCircuitOpen
		resp.Message = "Message bus is temporarily unavailable. Please try again later."
	case ingestion.KindTimeout:
		resp.StatusCode = http.StatusServiceUnavailable
		resp.Kind = KindTimeout
		resp.Message = "Timed out publishing sensor data. Please try again later."
	default:
		resp.StatusCode = http.StatusServiceUnavailable
		resp.Kind = KindPublishFailed
		resp.Message = "Failed to process sensor data. Please try again later."
	}
	return resp
}
