package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Middleware holds the base logger and auth settings shared by the middleware chain.
type Middleware struct {
	logger zerolog.Logger
	auth   AuthConfig
}

// AuthConfig controls API key checks.
type AuthConfig struct {
	APIKeys             []string
	PublicAccessEnabled bool
}

// enabled reports whether requests must carry a key. Without configured keys
// the gateway runs in development mode and lets everything through.
func (a AuthConfig) enabled() bool {
	return !a.PublicAccessEnabled && len(a.APIKeys) > 0
}

// NewMiddleware creates the middleware set.
func NewMiddleware(logger zerolog.Logger, auth AuthConfig) *Middleware {
	return &Middleware{logger: logger, auth: auth}
}

// RequestID takes the request ID from the request header or generates one,
// echoes it in the response and stores it in the context.
func (m *Middleware) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// responseWriter captures the status code and body size.
type responseWriter struct {
	http.ResponseWriter

	statusCode   int
	bytesWritten int64
	written      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Logger puts a request-scoped logger in the context and logs each request on completion.
func (m *Middleware) Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := m.logger.With().
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Logger()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(wrapped, r.WithContext(reqLogger.WithContext(r.Context())))

		ev := reqLogger.Info()
		if wrapped.statusCode >= http.StatusInternalServerError {
			ev = reqLogger.Error()
		}
		ev.Int("status", wrapped.statusCode).
			Int64("response_bytes", wrapped.bytesWritten).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

// Recoverer turns a panic into a 500 response.
func (m *Middleware) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log := zerolog.Ctx(r.Context())
				log.Error().
					Str("panic", fmt.Sprint(rec)).
					Str("stack", string(debug.Stack())).
					Msg("Panic recovered")

				RespondJSON(w, r, http.StatusInternalServerError, &ErrorResponse{
					RequestID:  RequestIDFromContext(r.Context()),
					StatusCode: http.StatusInternalServerError,
					Message:    "Internal Server Error",
					Kind:       KindInternal,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequireAPIKey rejects requests without a valid X-API-Key header or bearer token.
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return ErrorHandler(func(w http.ResponseWriter, r *http.Request) error {
		if m.auth.enabled() {
			key := apiKeyFrom(r)
			if key == "" {
				return unauthorized("Missing API key. Provide X-API-Key header.")
			}
			if !m.validKey(key) {
				zerolog.Ctx(r.Context()).Warn().Str("api_key_prefix", keyPrefix(key)).Msg("Invalid API key attempted")
				return unauthorized("Invalid API key")
			}
		}
		next.ServeHTTP(w, r)
		return nil
	})
}

func (m *Middleware) validKey(key string) bool {
	ok := 0
	for _, valid := range m.auth.APIKeys {
		ok |= subtle.ConstantTimeCompare([]byte(key), []byte(valid))
	}
	return ok == 1
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func keyPrefix(key string) string {
	if len(key) > 8 {
		return key[:8] + "..."
	}
	return key + "..."
}
