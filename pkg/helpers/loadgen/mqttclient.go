package loadgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MqttClient publishes readings to a broker, one topic per device.
type MqttClient struct {
	client       mqtt.Client
	brokerURL    string
	topicPattern string
	qos          byte
	logger       zerolog.Logger
}

// NewMqttClient creates a client. The first '+' in topicPattern is replaced
// by the device ID.
func NewMqttClient(brokerURL, topicPattern string, qos byte, logger zerolog.Logger) *MqttClient {
	return &MqttClient{
		brokerURL:    brokerURL,
		topicPattern: topicPattern,
		qos:          qos,
		logger:       logger,
	}
}

func (c *MqttClient) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(fmt.Sprintf("loadgen-client-%s", uuid.New().String())).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(client mqtt.Client, err error) {
			c.logger.Error().Err(err).Msg("MQTT Connection lost")
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.logger.Info().Str("broker", c.brokerURL).Msg("Successfully connected to MQTT broker")
		})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker")
		return token.Error()
	}
	if !c.client.IsConnected() {
		return fmt.Errorf("failed to connect to %s", c.brokerURL)
	}
	return nil
}

func (c *MqttClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info().Msg("MQTT client disconnected")
	}
}

// Topic returns the topic a device publishes on.
func (c *MqttClient) Topic(device *Device) string {
	return strings.Replace(c.topicPattern, "+", device.ID, 1)
}

func (c *MqttClient) Publish(ctx context.Context, device *Device) error {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}

	topic := c.Topic(device)
	token := c.client.Publish(topic, c.qos, false, payload)

	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("mqtt publish error for device %s: %w", device.ID, token.Error())
		}
		c.logger.Debug().Str("device_id", device.ID).Str("topic", topic).Msg("Message published")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while publishing for device %s: %w", device.ID, ctx.Err())
	}
}
