// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	MaxBodySize     = 1048576 // 1MB
	MaxBodyText     = "1MB"
	RequestIDHeader = "X-Request-ID"

	ReadHeaderTimeout = 5 * time.Second
	ReadTimeout       = 30 * time.Second
	WriteTimeout      = 60 * time.Second
	IdleTimeout       = 120 * time.Second
	ShutdownTimeout   = 30 * time.Second
)

// HTTPServer owns the listening socket.
type HTTPServer struct {
	logger zerolog.Logger
	server *http.Server
}

// NewHTTPServer builds a server with conservative timeouts. WriteTimeout is
// larger than the default publish timeout so a slow publish can still answer.
func NewHTTPServer(logger zerolog.Logger, addr string, handler http.Handler) *HTTPServer {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}
	return &HTTPServer{
		logger: logger.With().Str("component", "HTTPServer").Logger(),
		server: srv,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// HandlerFunc is an HTTP handler that can return an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorHandler converts a returned error into the JSON error body. Errors that
// are not *ErrorResponse are logged and reported as a generic 500.
func ErrorHandler(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		log := zerolog.Ctx(r.Context())
		requestID := RequestIDFromContext(r.Context())

		resp := errorResponseFor(err)
		resp.RequestID = requestID
		if resp.StatusCode >= http.StatusInternalServerError {
			log.Error().Err(err).Int("status", resp.StatusCode).Str("kind", resp.Kind).Msg("Request failed")
		} else {
			log.Warn().Err(err).Int("status", resp.StatusCode).Str("kind", resp.Kind).Msg("Request rejected")
		}
		for k, v := range resp.headers {
			w.Header().Set(k, v)
		}
		RespondJSON(w, r, resp.StatusCode, resp)
	}
}

// RespondJSON writes data as JSON with the given status code. A nil data sends
// headers only.
func RespondJSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already on the wire.
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// DecodeJSON decodes a single JSON object from the request body.
func DecodeJSON[T any](r *http.Request) (T, error) {
	var zero T

	r.Body = http.MaxBytesReader(nil, r.Body, MaxBodySize)

	var res T
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&res)
	if err == nil && dec.More() {
		return zero, NewError(http.StatusBadRequest, "Request body contains multiple JSON objects")
	}
	if err != nil {
		var (
			syntaxError        *json.SyntaxError
			unmarshalTypeError *json.UnmarshalTypeError
			maxBytesError      *http.MaxBytesError
		)

		switch {
		case errors.As(err, &syntaxError):
			return zero, NewError(http.StatusBadRequest, fmt.Sprintf("Invalid JSON syntax at position %d", syntaxError.Offset))

		case errors.As(err, &unmarshalTypeError):
			return zero, NewValidationError(map[string]string{unmarshalTypeError.Field: "invalid type, expected " + unmarshalTypeError.Type.String()})

		case errors.Is(err, io.EOF):
			return zero, NewError(http.StatusBadRequest, "Request body is empty")

		case errors.Is(err, io.ErrUnexpectedEOF):
			return zero, NewError(http.StatusBadRequest, "Malformed JSON")

		case errors.As(err, &maxBytesError):
			return zero, NewError(http.StatusRequestEntityTooLarge, "Request body too large (max "+MaxBodyText+")")

		case strings.HasPrefix(err.Error(), "json: unknown field"):
			return zero, NewError(http.StatusBadRequest, err.Error())

		default:
			return zero, NewError(http.StatusBadRequest, "Invalid JSON payload")
		}
	}

	return res, nil
}
