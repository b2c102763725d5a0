package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/EgorkaKv/sensor-gate/pkg/api"
	"github.com/EgorkaKv/sensor-gate/pkg/circuitbreaker"
	"github.com/EgorkaKv/sensor-gate/pkg/config"
	"github.com/EgorkaKv/sensor-gate/pkg/history"
	"github.com/EgorkaKv/sensor-gate/pkg/ingestion"
	"github.com/EgorkaKv/sensor-gate/pkg/mqttingress"
	"github.com/EgorkaKv/sensor-gate/pkg/publisher"
	"github.com/EgorkaKv/sensor-gate/pkg/retry"
	"github.com/EgorkaKv/sensor-gate/pkg/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP gateway and the optional MQTT ingress",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := os.Setenv(config.EnvPrefix+"CONFIG_FILE", configFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, os.Stdout)
			if err != nil {
				return err
			}
			if err := serve(cmd.Context(), cfg, logger); err != nil {
				logger.Error().Err(err).Msg("Gateway stopped with error")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides "+config.EnvPrefix+"CONFIG_FILE)")
	return cmd
}

// gateway holds the assembled components.
type gateway struct {
	router    *routing.TopicRouter
	publisher publisher.Publisher
	inspector publisher.Inspector
	ingest    *ingestion.Service
	history   history.Executor
	registry  *prometheus.Registry
	closers   []func()
}

func (g *gateway) close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
}

// buildGateway wires router, breaker, retry policy, publisher and history.
func buildGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*gateway, error) {
	if err := cfg.RegisterSensorTypes(); err != nil {
		return nil, err
	}
	router, err := routing.NewTopicRouter(cfg.TopicMapping())
	if err != nil {
		return nil, err
	}

	g := &gateway{router: router, registry: prometheus.NewRegistry()}
	metrics := ingestion.NewMetrics(g.registry)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreakerRecoveryTimeout,
	}, logger, circuitbreaker.WithStateChangeHook(metrics.BreakerStateChanged))

	policy, err := retry.NewPolicy(retry.Config{
		MaxAttempts: cfg.PubSubRetryAttempts,
		BaseDelay:   cfg.PubSubRetryDelay,
		MaxDelay:    cfg.PubSubRetryMaxDelay,
		Jitter:      true,
	}, publisher.IsTransient)
	if err != nil {
		return nil, err
	}

	if cfg.UsingMock() {
		mock := publisher.NewMockPublisher(publisher.MockPublisherConfig{
			ProjectID:           cfg.GCPProjectID,
			Topics:              router.Topics(),
			MaxMessagesPerTopic: cfg.PubSubMockMaxMessagesPerTopic,
		}, logger)
		g.publisher, g.inspector = mock, mock
	} else {
		settings := publisher.GetDefaultPublishSettings()
		settings.Timeout = cfg.PubSubTimeout
		pub, err := publisher.NewGooglePubsubPublisher(ctx, publisher.GooglePubsubPublisherConfig{
			ProjectID:       cfg.GCPProjectID,
			Topics:          router.Topics(),
			CredentialsFile: cfg.GCPCredentialsPath,
			PublishSettings: settings,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating pubsub publisher: %w", err)
		}
		g.publisher = pub
	}
	g.closers = append(g.closers, g.publisher.Stop)

	g.ingest, err = ingestion.NewService(router, breaker, policy, g.publisher, logger, ingestion.WithMetrics(metrics))
	if err != nil {
		g.close()
		return nil, err
	}

	g.history, err = buildHistory(ctx, cfg, logger, g)
	if err != nil {
		g.close()
		return nil, err
	}
	return g, nil
}

// buildHistory returns a cached BigQuery executor, or DisabledExecutor when no
// dataset is configured. A Redis cache is used when redis_addr is set and
// falls back to an in-memory cache when Redis is unreachable.
func buildHistory(ctx context.Context, cfg *config.Config, logger zerolog.Logger, g *gateway) (history.Executor, error) {
	if !cfg.HistoryEnabled() {
		logger.Info().Msg("No BigQuery dataset configured, history endpoints disabled")
		return history.DisabledExecutor{}, nil
	}

	bqCfg := history.BigQueryConfig{
		ProjectID:       cfg.GCPProjectID,
		DatasetID:       cfg.BigQueryDataset,
		TableID:         cfg.BigQueryTable,
		CredentialsFile: cfg.GCPCredentialsPath,
	}
	client, err := history.NewBigQueryClient(ctx, bqCfg, logger)
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, func() { _ = client.Close() })

	exec, err := history.NewBigQueryExecutor(client, bqCfg, logger)
	if err != nil {
		return nil, err
	}

	var cache history.ResultCache = history.NewInMemoryCache()
	if cfg.RedisAddr != "" {
		rc, err := history.NewRedisCache(ctx, history.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, using in-memory history cache")
		} else {
			cache = rc
			g.closers = append(g.closers, func() { _ = rc.Close() })
		}
	}
	return history.NewCachedExecutor(exec, cache, cfg.HistoryCacheTTL, logger), nil
}

// serve runs until ctx is cancelled. The publisher is stopped last so that
// in-flight submissions from both ingress paths can finish.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	gw, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.close()

	handler, err := api.NewHandler(api.Dependencies{
		Config:    cfg,
		Ingestor:  gw.ingest,
		Topics:    gw.router,
		History:   gw.history,
		Inspector: gw.inspector,
		Gatherer:  gw.registry,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("addr", cfg.Address()).
		Str("publisher", string(gw.publisher.Mode())).
		Bool("auth_enabled", cfg.AuthEnabled()).
		Bool("history_enabled", cfg.HistoryEnabled()).
		Strs("topics", gw.router.Topics()).
		Msg("SensorGate starting")

	var ingress *mqttingress.Service
	if cfg.MQTTBrokerURL != "" {
		svcCfg := mqttingress.DefaultServiceConfig()
		svcCfg.NumProcessingWorkers = cfg.MQTTWorkers
		svcCfg.PublishTimeout = cfg.PubSubTimeout
		ingress = mqttingress.NewService(gw.ingest, logger, svcCfg, mqttingress.ClientConfig{
			BrokerURL:      cfg.MQTTBrokerURL,
			Topic:          cfg.MQTTTopic,
			ClientIDPrefix: cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
		})
		if err := ingress.Start(); err != nil {
			return fmt.Errorf("starting mqtt ingress: %w", err)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	server := api.NewHTTPServer(logger, cfg.Address(), handler.Routes())
	eg.Go(func() error {
		return server.Start(egCtx)
	})

	if ingress != nil {
		eg.Go(func() error {
			for {
				select {
				case err, ok := <-ingress.Err():
					if !ok {
						return nil
					}
					logger.Debug().Err(err).Msg("MQTT ingress error")
				case <-egCtx.Done():
					ingress.Stop()
					return nil
				}
			}
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("SensorGate stopped")
	return nil
}
