package mqttingress

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// ClientConfig holds the broker connection settings.
type ClientConfig struct {
	BrokerURL        string
	Topic            string
	ClientIDPrefix   string
	Username         string
	Password         string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration

	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// ServiceConfig holds the worker pool settings.
type ServiceConfig struct {
	InputChanCapacity    int
	NumProcessingWorkers int
	// PublishTimeout bounds each Submit; zero means no deadline.
	PublishTimeout time.Duration
	QoS            byte
}

// DefaultServiceConfig provides sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		InputChanCapacity:    1000,
		NumProcessingWorkers: 5,
		PublishTimeout:       30 * time.Second,
		QoS:                  1,
	}
}

func newTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
