package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient posts readings to the gateway's ingestion endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPClient targets baseURL, for example http://localhost:8000. An empty
// apiKey sends no X-API-Key header.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Connect checks that the gateway answers its liveness probe.
func (c *HTTPClient) Connect() error {
	resp, err := c.client.Get(c.baseURL + "/health/live")
	if err != nil {
		return fmt.Errorf("gateway at %s is unreachable: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway liveness probe returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Disconnect() {
	c.client.CloseIdleConnections()
}

func (c *HTTPClient) Publish(ctx context.Context, device *Device) error {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sensors/data", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting reading for device %s: %w", device.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway rejected reading for device %s: %d %s", device.ID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug().Str("device_id", device.ID).Msg("Reading accepted")
	return nil
}
