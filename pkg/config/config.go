// Package config loads gateway settings from defaults, an optional YAML file
// and SENSORGATE_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/EgorkaKv/sensor-gate/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SENSORGATE_"

// SensorTypeConfig registers an additional sensor category.
type SensorTypeConfig struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Topic       string  `yaml:"topic"`
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max"`
	Unit        string  `yaml:"unit"`
}

// Config holds every gateway setting.
type Config struct {
	AppName    string `yaml:"app_name"`
	AppVersion string `yaml:"app_version"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Debug      bool   `yaml:"debug"`

	APIKeys             []string `yaml:"api_keys"`
	PublicAccessEnabled bool     `yaml:"public_access_enabled"`

	GCPProjectID       string `yaml:"gcp_project_id"`
	GCPCredentialsPath string `yaml:"gcp_credentials_path"`

	PubSubTopicTemperature string             `yaml:"pubsub_topic_temperature"`
	PubSubTopicHumidity    string             `yaml:"pubsub_topic_humidity"`
	PubSubTopicNDIR        string             `yaml:"pubsub_topic_ndir"`
	ExtraTopicMapping      map[string]string  `yaml:"topic_mapping"`
	SensorTypes            []SensorTypeConfig `yaml:"sensor_types"`

	PubSubTimeout       time.Duration `yaml:"pubsub_timeout"`
	PubSubRetryAttempts int           `yaml:"pubsub_retry_attempts"`
	PubSubRetryDelay    time.Duration `yaml:"pubsub_retry_delay"`
	PubSubRetryMaxDelay time.Duration `yaml:"pubsub_retry_max_delay"`

	CircuitBreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerRecoveryTimeout  time.Duration `yaml:"circuit_breaker_recovery_timeout"`

	UsePubSubMock                 bool `yaml:"use_pubsub_mock"`
	PubSubMockAutoEnable          bool `yaml:"pubsub_mock_auto_enable"`
	PubSubMockMaxMessagesPerTopic int  `yaml:"pubsub_mock_max_messages_per_topic"`

	BigQueryDataset string        `yaml:"bigquery_dataset"`
	BigQueryTable   string        `yaml:"bigquery_table"`
	HistoryCacheTTL time.Duration `yaml:"history_cache_ttl"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	MQTTBrokerURL string `yaml:"mqtt_broker_url"`
	MQTTTopic     string `yaml:"mqtt_topic"`
	MQTTClientID  string `yaml:"mqtt_client_id"`
	MQTTUsername  string `yaml:"mqtt_username"`
	MQTTPassword  string `yaml:"mqtt_password"`
	MQTTWorkers   int    `yaml:"mqtt_workers"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		AppName:    "SensorGate",
		AppVersion: "1.0.0",
		Host:       "0.0.0.0",
		Port:       8000,

		PubSubTopicTemperature: "sensor-temperature",
		PubSubTopicHumidity:    "sensor-humidity",
		PubSubTopicNDIR:        "sensor-ndir",

		PubSubTimeout:       30 * time.Second,
		PubSubRetryAttempts: 3,
		PubSubRetryDelay:    time.Second,
		PubSubRetryMaxDelay: 10 * time.Second,

		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerRecoveryTimeout:  60 * time.Second,

		PubSubMockAutoEnable:          true,
		PubSubMockMaxMessagesPerTopic: 1000,

		BigQueryTable:   "sensor_readings",
		HistoryCacheTTL: time.Minute,

		MQTTTopic:    "sensors/+/data",
		MQTTClientID: "sensorgate-ingress",
		MQTTWorkers:  5,

		MetricsEnabled: true,
		LogLevel:       "INFO",
		LogFormat:      "json",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// SENSORGATE_CONFIG_FILE (if set) and the environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current value; unknown keys are rejected. Durations are Go
// duration strings such as "30s".
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
	}
	return nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if !c.UsingMock() && c.GCPProjectID == "" {
		errs = append(errs, errors.New("gcp_project_id is required unless the Pub/Sub mock is enabled"))
	}
	if c.PubSubTimeout <= 0 {
		errs = append(errs, errors.New("pubsub_timeout must be positive"))
	}
	if c.PubSubRetryAttempts < 1 {
		errs = append(errs, errors.New("pubsub_retry_attempts must be at least 1"))
	}
	if c.PubSubRetryDelay < 0 || c.PubSubRetryMaxDelay < c.PubSubRetryDelay {
		errs = append(errs, errors.New("pubsub_retry_delay must be non-negative and not above pubsub_retry_max_delay"))
	}
	if c.CircuitBreakerFailureThreshold < 1 {
		errs = append(errs, errors.New("circuit_breaker_failure_threshold must be at least 1"))
	}
	if c.CircuitBreakerRecoveryTimeout <= 0 {
		errs = append(errs, errors.New("circuit_breaker_recovery_timeout must be positive"))
	}
	if c.PubSubMockMaxMessagesPerTopic < 1 {
		errs = append(errs, errors.New("pubsub_mock_max_messages_per_topic must be at least 1"))
	}
	if c.HistoryCacheTTL < 0 {
		errs = append(errs, errors.New("history_cache_ttl cannot be negative"))
	}
	if c.MQTTBrokerURL != "" && c.MQTTWorkers < 1 {
		errs = append(errs, errors.New("mqtt_workers must be at least 1"))
	}
	if _, err := c.ZerologLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	for _, st := range c.SensorTypes {
		if st.Topic == "" {
			errs = append(errs, fmt.Errorf("sensor type %q has no topic", st.Name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// UsingMock reports whether the in-memory publisher should be used.
func (c *Config) UsingMock() bool {
	return c.UsePubSubMock || (c.PubSubMockAutoEnable && c.Debug)
}

// AuthEnabled reports whether requests must carry an API key.
func (c *Config) AuthEnabled() bool {
	return len(c.APIKeys) > 0 && !c.PublicAccessEnabled
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HistoryEnabled reports whether a BigQuery dataset is configured.
func (c *Config) HistoryEnabled() bool {
	return c.BigQueryDataset != ""
}

// TopicMapping returns the category to topic mapping: the three built-in
// categories, then topic_mapping entries, then sensor_types entries.
func (c *Config) TopicMapping() map[types.SensorType]string {
	m := map[types.SensorType]string{
		types.SensorTypeTemperature: c.PubSubTopicTemperature,
		types.SensorTypeHumidity:    c.PubSubTopicHumidity,
		types.SensorTypeNDIR:        c.PubSubTopicNDIR,
	}
	for category, topic := range c.ExtraTopicMapping {
		m[types.SensorType(strings.ToLower(category))] = topic
	}
	for _, st := range c.SensorTypes {
		m[types.SensorType(strings.ToLower(st.Name))] = st.Topic
	}
	return m
}

// RegisterSensorTypes adds the configured extra categories to the reading
// validator.
func (c *Config) RegisterSensorTypes() error {
	for _, st := range c.SensorTypes {
		info := types.SensorTypeInfo{
			Type:        types.SensorType(strings.ToLower(st.Name)),
			Description: st.Description,
			ValueRange:  types.ValueRange{Min: st.Min, Max: st.Max, Unit: st.Unit},
		}
		if err := types.RegisterSensorType(info); err != nil {
			return fmt.Errorf("registering sensor type: %w", err)
		}
	}
	return nil
}

// ZerologLevel maps log_level onto a zerolog level.
func (c *Config) ZerologLevel() (zerolog.Level, error) {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO", "":
		return zerolog.InfoLevel, nil
	case "WARNING", "WARN":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "CRITICAL":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("log_level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL, got %q", c.LogLevel)
	}
}
