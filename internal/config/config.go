package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers accepted by StorageConfig.Driver
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverWebhook  = "webhook"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	ReadBuffer  int    `yaml:"read_buffer"` // socket receive buffer, bytes
	QueueSize   int    `yaml:"queue_size"`  // datagrams waiting for dispatch
}

// RelayConfig contains relay engine parameters
type RelayConfig struct {
	MaxInFlightSends int `yaml:"max_inflight_sends"`
	SinkTimeout      int `yaml:"sink_timeout"` // seconds
}

// StorageConfig selects the backend that records final peer locations
type StorageConfig struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn"`
	Table   string        `yaml:"table"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig contains the HTTP location webhook configuration
type WebhookConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for any key absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			UDPPort:     50000,
			BindAddress: "0.0.0.0",
			ReadBuffer:  1 << 20,
			QueueSize:   1000,
		},
		Relay: RelayConfig{
			MaxInFlightSends: 4096,
			SinkTimeout:      5,
		},
		Storage: StorageConfig{
			Driver: DriverMemory,
			Table:  "user_location",
			Webhook: WebhookConfig{
				Timeout:       10,
				MaxConcurrent: 10,
			},
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.ReadBuffer < 1024 {
		return fmt.Errorf("read_buffer must be at least 1024 bytes, got %d", s.ReadBuffer)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.MaxInFlightSends < 1 {
		return fmt.Errorf("max_inflight_sends must be at least 1, got %d", r.MaxInFlightSends)
	}

	if r.SinkTimeout < 0 {
		return fmt.Errorf("sink_timeout cannot be negative, got %d", r.SinkTimeout)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	switch s.Driver {
	case DriverNone, DriverMemory:
		return nil
	case DriverSQLite, DriverPostgres, DriverMySQL:
		if s.DSN == "" {
			return fmt.Errorf("dsn cannot be empty for driver %s", s.Driver)
		}
		if !tableNamePattern.MatchString(s.Table) {
			return fmt.Errorf("table must be a plain SQL identifier, got '%s'", s.Table)
		}
		return nil
	case DriverWebhook:
		return s.Webhook.Validate()
	default:
		return fmt.Errorf("driver must be one of [none, memory, sqlite3, postgres, mysql, webhook], got '%s'", s.Driver)
	}
}

// Validate validates webhook configuration
func (w *WebhookConfig) Validate() error {
	if w.Endpoint == "" {
		return fmt.Errorf("webhook endpoint cannot be empty")
	}

	if w.Timeout < 1 {
		return fmt.Errorf("webhook timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxConcurrent < 1 {
		return fmt.Errorf("webhook max_concurrent must be at least 1, got %d", w.MaxConcurrent)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetSinkTimeoutDuration returns the location write timeout as a time.Duration
func (r *RelayConfig) GetSinkTimeoutDuration() time.Duration {
	return time.Duration(r.SinkTimeout) * time.Second
}

// GetTimeoutDuration returns the webhook timeout as a time.Duration
func (w *WebhookConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}
