// Package mqttingress accepts sensor readings from an MQTT broker and hands
// them to the publishing core.
package mqttingress

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/ingestion"
	"github.com/EgorkaKv/sensor-gate/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Submitter is the publishing core.
type Submitter interface {
	Submit(ctx context.Context, reading types.SensorReading) (ingestion.Result, error)
	RecordInvalid()
}

// InMessage is a message received from the broker.
type InMessage struct {
	Payload   []byte
	Topic     string
	MessageID string
	Timestamp time.Time
	Duplicate bool
}

// Service subscribes to the configured topic and submits every decoded
// reading through a bounded worker pool.
type Service struct {
	mqttConfig ClientConfig
	config     ServiceConfig
	submitter  Submitter
	pahoClient mqtt.Client
	logger     zerolog.Logger
	now        func() time.Time

	messages chan InMessage
	errs     chan error

	ctx    context.Context
	cancel context.CancelFunc

	wg             sync.WaitGroup
	stopOnce       sync.Once
	isShuttingDown atomic.Bool
}

// NewService creates the service. Zero worker or capacity settings fall back
// to DefaultServiceConfig.
func NewService(submitter Submitter, logger zerolog.Logger, cfg ServiceConfig, mqttCfg ClientConfig) *Service {
	logger = logger.With().Str("component", "MQTTIngress").Logger()
	defaults := DefaultServiceConfig()
	if cfg.NumProcessingWorkers <= 0 {
		logger.Warn().Int("default_workers", defaults.NumProcessingWorkers).Msg("NumProcessingWorkers was not positive, applying default")
		cfg.NumProcessingWorkers = defaults.NumProcessingWorkers
	}
	if cfg.InputChanCapacity <= 0 {
		cfg.InputChanCapacity = defaults.InputChanCapacity
	}
	if cfg.QoS > 2 {
		cfg.QoS = defaults.QoS
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		mqttConfig: mqttCfg,
		config:     cfg,
		submitter:  submitter,
		logger:     logger,
		now:        time.Now,
		messages:   make(chan InMessage, cfg.InputChanCapacity),
		errs:       make(chan error, cfg.InputChanCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Err returns non-fatal processing errors. The channel is closed by Stop.
func (s *Service) Err() <-chan error {
	return s.errs
}

// handleIncomingPahoMessage queues a copy of the message for the workers.
func (s *Service) handleIncomingPahoMessage(_ mqtt.Client, msg mqtt.Message) {
	// Paho may still deliver while Stop closes the channel.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().Interface("panic", r).Str("topic", msg.Topic()).Msg("Message dropped during shutdown")
		}
	}()

	if s.isShuttingDown.Load() {
		s.logger.Warn().Str("topic", msg.Topic()).Msg("Shutdown in progress, MQTT message dropped")
		return
	}

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	s.messages <- InMessage{
		Payload:   payload,
		Topic:     msg.Topic(),
		MessageID: fmt.Sprintf("%d", msg.MessageID()),
		Timestamp: s.now().UTC(),
		Duplicate: msg.Duplicate(),
	}
}

// processSingleMessage decodes, validates and submits one message.
func (s *Service) processSingleMessage(ctx context.Context, msg InMessage, workerID int) {
	log := s.logger.With().Int("worker_id", workerID).Str("mqtt_topic", msg.Topic).Logger()

	var req types.ReadingRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.submitter.RecordInvalid()
		log.Warn().Err(err).Msg("Failed to decode MQTT payload")
		s.sendError(fmt.Errorf("decoding message from %s: %w", msg.Topic, err))
		return
	}

	reading, err := req.Reading(s.now())
	if err != nil {
		s.submitter.RecordInvalid()
		log.Warn().Err(err).Msg("Rejected invalid reading")
		s.sendError(fmt.Errorf("message from %s: %w", msg.Topic, err))
		return
	}

	if s.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PublishTimeout)
		defer cancel()
	}

	res, err := s.submitter.Submit(ctx, reading)
	if err != nil {
		log.Error().Err(err).Msg("Failed to submit reading")
		s.sendError(fmt.Errorf("submitting reading from %s: %w", msg.Topic, err))
		return
	}
	log.Debug().Str("message_id", res.MessageID).Str("topic", res.Topic).Msg("Reading submitted")
}

// sendError reports err without blocking the worker.
func (s *Service) sendError(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn().Err(err).Msg("Error channel is full, dropping error")
	}
}

// Start launches the workers and connects to the broker. An empty broker URL
// starts the workers only.
func (s *Service) Start() error {
	s.logger.Info().
		Int("workers", s.config.NumProcessingWorkers).
		Int("channel_capacity", s.config.InputChanCapacity).
		Msg("Starting MQTT ingress")

	for i := 0; i < s.config.NumProcessingWorkers; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			for msg := range s.messages {
				s.processSingleMessage(s.ctx, msg, workerID)
			}
		}(i)
	}

	if s.mqttConfig.BrokerURL == "" {
		s.logger.Info().Msg("MQTT ingress started without broker connection")
		return nil
	}
	if s.mqttConfig.KeepAlive == 0 {
		s.mqttConfig.KeepAlive = 10 * time.Second
	}
	if s.mqttConfig.ConnectTimeout == 0 {
		s.mqttConfig.ConnectTimeout = 5 * time.Second
	}
	if s.mqttConfig.ReconnectWaitMax == 0 {
		s.mqttConfig.ReconnectWaitMax = time.Minute
	}
	if err := s.connect(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect MQTT client")
		s.Stop()
		return err
	}

	s.logger.Info().Msg("MQTT ingress started")
	return nil
}

// Stop unsubscribes, disconnects and waits for the workers to drain the
// queue. It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping MQTT ingress")
		s.isShuttingDown.Store(true)

		if s.pahoClient != nil && s.pahoClient.IsConnected() {
			if token := s.pahoClient.Unsubscribe(s.mqttConfig.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown")
			}
			s.pahoClient.Disconnect(500)
		}

		close(s.messages)
		s.wg.Wait()
		s.cancel()
		close(s.errs)
		s.logger.Info().Msg("MQTT ingress stopped")
	})
}

func (s *Service) onConnect(client mqtt.Client) {
	topic := s.mqttConfig.Topic
	s.logger.Info().Str("broker", s.mqttConfig.BrokerURL).Str("topic", topic).Msg("Connected to MQTT broker, subscribing")
	if token := client.Subscribe(topic, s.config.QoS, s.handleIncomingPahoMessage); token.Wait() && token.Error() != nil {
		s.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		s.sendError(fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error()))
	}
}

func (s *Service) onConnectionLost(_ mqtt.Client, err error) {
	s.logger.Error().Err(err).Msg("Lost MQTT connection, reconnecting")
}

func (s *Service) connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttConfig.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s-%d", s.mqttConfig.ClientIDPrefix, time.Now().UnixNano()%1000000))
	opts.SetUsername(s.mqttConfig.Username)
	opts.SetPassword(s.mqttConfig.Password)
	opts.SetKeepAlive(s.mqttConfig.KeepAlive)
	opts.SetConnectTimeout(s.mqttConfig.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.mqttConfig.ReconnectWaitMax)
	opts.SetOrderMatters(false)
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		s.logger.Info().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	scheme := strings.ToLower(s.mqttConfig.BrokerURL)
	if strings.HasPrefix(scheme, "tls://") || strings.HasPrefix(scheme, "ssl://") {
		tlsConfig, err := newTLSConfig(s.mqttConfig)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.pahoClient = mqtt.NewClient(opts)
	token := s.pahoClient.Connect()
	if !token.WaitTimeout(s.mqttConfig.ConnectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", s.mqttConfig.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("paho MQTT client connect error: %w", err)
	}
	return nil
}
