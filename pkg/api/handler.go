package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/circuitbreaker"
	"github.com/EgorkaKv/sensor-gate/pkg/config"
	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/EgorkaKv/sensor-gate/pkg/ingestion"
	"github.com/EgorkaKv/sensor-gate/pkg/publisher"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Ingestor is the publishing core as seen by the HTTP layer.
type Ingestor interface {
	Submit(ctx context.Context, reading types.SensorReading) (ingestion.Result, error)
	RecordInvalid()
	BreakerSnapshot() circuitbreaker.Snapshot
	PublisherHealth(ctx context.Context) publisher.Health
	Mode() publisher.Mode
}

// TopicCatalog lists the configured routing.
type TopicCatalog interface {
	Topics() []string
	Mapping() map[types.SensorType]string
}

// Dependencies are the collaborators of Handler. Inspector is nil unless the
// mock publisher is active; History defaults to history.DisabledExecutor.
type Dependencies struct {
	Config    *config.Config
	Ingestor  Ingestor
	Topics    TopicCatalog
	History   history.Executor
	Inspector publisher.Inspector
	Gatherer  prometheus.Gatherer
}

// Handler serves every HTTP route.
type Handler struct {
	cfg       *config.Config
	ingest    Ingestor
	topics    TopicCatalog
	history   history.Executor
	inspector publisher.Inspector
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger
	now       func() time.Time
}

// NewHandler validates deps and builds a Handler.
func NewHandler(deps Dependencies, logger zerolog.Logger) (*Handler, error) {
	if deps.Config == nil || deps.Ingestor == nil || deps.Topics == nil {
		return nil, errors.New("api handler requires config, ingestor and topic catalog")
	}
	if deps.History == nil {
		deps.History = history.DisabledExecutor{}
	}
	return &Handler{
		cfg:       deps.Config,
		ingest:    deps.Ingestor,
		topics:    deps.Topics,
		history:   deps.History,
		inspector: deps.Inspector,
		gatherer:  deps.Gatherer,
		logger:    logger.With().Str("component", "API").Logger(),
		now:       time.Now,
	}, nil
}

// Routes builds the router with the middleware chain applied.
func (h *Handler) Routes() http.Handler {
	mw := NewMiddleware(h.logger, AuthConfig{
		APIKeys:             h.cfg.APIKeys,
		PublicAccessEnabled: h.cfg.PublicAccessEnabled,
	})

	r := chi.NewRouter()
	r.Use(mw.RequestID, mw.Logger, mw.Recoverer)

	r.NotFound(ErrorHandler(func(w http.ResponseWriter, r *http.Request) error {
		return NewError(http.StatusNotFound, "Not Found")
	}))
	r.MethodNotAllowed(ErrorHandler(func(w http.ResponseWriter, r *http.Request) error {
		return &ErrorResponse{StatusCode: http.StatusMethodNotAllowed, Message: "Method Not Allowed", Kind: KindBadRequest}
	}))

	r.Get("/", ErrorHandler(h.root))
	r.Get("/health", ErrorHandler(h.health))
	r.Get("/health/live", ErrorHandler(h.live))
	r.Get("/health/ready", ErrorHandler(h.ready))
	if h.cfg.MetricsEnabled && h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.RequireAPIKey)

		r.Route("/sensors", func(r chi.Router) {
			r.Post("/data", ErrorHandler(h.submitSensorData))
			r.Get("/types", ErrorHandler(h.sensorTypes))
			r.Get("/history", ErrorHandler(h.historicalData))
			r.Get("/history/aggregated", ErrorHandler(h.aggregatedData))
			r.Get("/history/by-sensor-type/{sensor_type}", ErrorHandler(h.historyBySensorType))
			r.Get("/history/by-device/{device_id}", ErrorHandler(h.historyByDevice))
			r.Get("/devices", ErrorHandler(h.devices))
			r.Get("/stats", ErrorHandler(h.stats))
		})

		r.Route("/debug", func(r chi.Router) {
			r.Use(h.debugOnly)
			r.Get("/config", ErrorHandler(h.debugConfig))
			r.Get("/pubsub/messages", ErrorHandler(h.mockMessages))
			r.Delete("/pubsub/messages", ErrorHandler(h.clearMockMessages))
			r.Get("/pubsub/stats", ErrorHandler(h.mockStats))
			r.Get("/pubsub/topic/{topic_name}/messages", ErrorHandler(h.topicMessages))
		})
	})

	return r
}
