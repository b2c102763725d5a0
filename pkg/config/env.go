package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays SENSORGATE_* environment variables onto c. Malformed values
// are reported rather than ignored.
func (c *Config) FromEnv() error {
	e := envReader{}

	e.stringVar("APP_NAME", &c.AppName)
	e.stringVar("APP_VERSION", &c.AppVersion)
	e.stringVar("HOST", &c.Host)
	e.intVar("PORT", &c.Port)
	e.boolVar("DEBUG", &c.Debug)

	e.listVar("API_KEYS", &c.APIKeys)
	e.boolVar("PUBLIC_ACCESS_ENABLED", &c.PublicAccessEnabled)

	e.stringVar("GCP_PROJECT_ID", &c.GCPProjectID)
	e.stringVar("GCP_CREDENTIALS_PATH", &c.GCPCredentialsPath)

	e.stringVar("PUBSUB_TOPIC_TEMPERATURE", &c.PubSubTopicTemperature)
	e.stringVar("PUBSUB_TOPIC_HUMIDITY", &c.PubSubTopicHumidity)
	e.stringVar("PUBSUB_TOPIC_NDIR", &c.PubSubTopicNDIR)

	e.durationVar("PUBSUB_TIMEOUT", &c.PubSubTimeout)
	e.intVar("PUBSUB_RETRY_ATTEMPTS", &c.PubSubRetryAttempts)
	e.durationVar("PUBSUB_RETRY_DELAY", &c.PubSubRetryDelay)
	e.durationVar("PUBSUB_RETRY_MAX_DELAY", &c.PubSubRetryMaxDelay)

	e.intVar("CIRCUIT_BREAKER_FAILURE_THRESHOLD", &c.CircuitBreakerFailureThreshold)
	e.durationVar("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", &c.CircuitBreakerRecoveryTimeout)

	e.boolVar("USE_PUBSUB_MOCK", &c.UsePubSubMock)
	e.boolVar("PUBSUB_MOCK_AUTO_ENABLE", &c.PubSubMockAutoEnable)
	e.intVar("PUBSUB_MOCK_MAX_MESSAGES_PER_TOPIC", &c.PubSubMockMaxMessagesPerTopic)

	e.stringVar("BIGQUERY_DATASET", &c.BigQueryDataset)
	e.stringVar("BIGQUERY_TABLE", &c.BigQueryTable)
	e.durationVar("HISTORY_CACHE_TTL", &c.HistoryCacheTTL)

	e.stringVar("REDIS_ADDR", &c.RedisAddr)
	e.stringVar("REDIS_PASSWORD", &c.RedisPassword)
	e.intVar("REDIS_DB", &c.RedisDB)

	e.stringVar("MQTT_BROKER_URL", &c.MQTTBrokerURL)
	e.stringVar("MQTT_TOPIC", &c.MQTTTopic)
	e.stringVar("MQTT_CLIENT_ID", &c.MQTTClientID)
	e.stringVar("MQTT_USERNAME", &c.MQTTUsername)
	e.stringVar("MQTT_PASSWORD", &c.MQTTPassword)
	e.intVar("MQTT_WORKERS", &c.MQTTWorkers)

	e.boolVar("METRICS_ENABLED", &c.MetricsEnabled)
	e.stringVar("LOG_LEVEL", &c.LogLevel)
	e.stringVar("LOG_FORMAT", &c.LogFormat)

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	return nil
}

type envReader struct {
	errs []string
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, v, want string) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q is not %s", EnvPrefix, name, v, want))
}

func (e *envReader) stringVar(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) intVar(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, "an integer")
		return
	}
	*dst = n
}

func (e *envReader) boolVar(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, "a boolean")
		return
	}
	*dst = b
}

// durationVar accepts a number of seconds ("30", "1.5") or a Go duration ("30s").
func (e *envReader) durationVar(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok || v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(f * float64(time.Second))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, "a duration")
		return
	}
	*dst = d
}

func (e *envReader) listVar(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
