// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/absmach/brokerish/broker"
	"github.com/absmach/brokerish/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the MQTT broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	TCPAddr         string           `yaml:"tcp_addr"`
	TCPMaxConn      int              `yaml:"tcp_max_connections"`
	TLSEnabled      bool             `yaml:"tls_enabled"`
	TLSCertFile     string           `yaml:"tls_cert_file"`
	TLSKeyFile      string           `yaml:"tls_key_file"`
	TLSCAFile       string           `yaml:"tls_ca_file"`     // CA certificate for client verification
	TLSClientAuth   string           `yaml:"tls_client_auth"` // "none", "request", or "require"
	WSEnabled       bool             `yaml:"ws_enabled"`
	WSAddr          string           `yaml:"ws_addr"`
	WSPath          string           `yaml:"ws_path"`
	WSOrigins       []string         `yaml:"ws_allowed_origins,omitempty"`
	HealthEnabled   bool             `yaml:"health_enabled"`
	HealthAddr      string           `yaml:"health_addr"`
	ConnectTimeout  time.Duration    `yaml:"connect_timeout"`
	WriteTimeout    time.Duration    `yaml:"write_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	RateLimit       ratelimit.Config `yaml:"rate_limit"`
}

// BrokerConfig holds broker-specific settings.
type BrokerConfig struct {
	// Highest QoS accepted on PUBLISH and advertised in CONNACK.
	MaximumQoS byte `yaml:"maximum_qos"`

	// Largest accepted packet body; also the receive buffer capacity.
	MaxPacketSize int `yaml:"max_packet_size"`

	// Number of idle receive buffers kept for reuse.
	BufferPoolSize int `yaml:"buffer_pool_size"`

	// Capacity of each client's outgoing queue.
	OutboxSize int `yaml:"outbox_size"`

	KeepAliveGrace time.Duration `yaml:"keep_alive_grace"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
	InstanceID      string  `yaml:"instance_id,omitempty"` // generated at startup when empty
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":1883",
			TCPMaxConn:      10000,
			TLSEnabled:      false,
			TLSClientAuth:   "none",
			WSEnabled:       false,
			WSAddr:          ":8083",
			WSPath:          "/mqtt",
			HealthEnabled:   true,
			HealthAddr:      ":8081",
			ConnectTimeout:  10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       ratelimit.DefaultConfig(),
		},
		Broker: BrokerConfig{
			MaximumQoS:     0,
			MaxPacketSize:  8192,
			BufferPoolSize: 1024,
			OutboxSize:     broker.DefaultOutboxSize,
			KeepAliveGrace: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			ServiceName:     "brokerish",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" && !c.Server.WSEnabled {
		return fmt.Errorf("at least one of server.tcp_addr or server.ws_enabled must be set")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
		if _, ok := clientAuthModes[c.Server.TLSClientAuth]; !ok {
			return fmt.Errorf("server.tls_client_auth must be one of: none, request, require")
		}
		if c.Server.TLSClientAuth != "none" && c.Server.TLSCAFile == "" {
			return fmt.Errorf("server.tls_ca_file required when tls_client_auth is '%s'", c.Server.TLSClientAuth)
		}
	}
	if c.Server.WSEnabled && (c.Server.WSAddr == "" || c.Server.WSPath == "") {
		return fmt.Errorf("server.ws_addr and server.ws_path required when WebSocket is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health checks are enabled")
	}
	if c.Server.ConnectTimeout <= 0 {
		return fmt.Errorf("server.connect_timeout must be positive")
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout cannot be negative")
	}
	if rl := c.Server.RateLimit; rl.Enabled && (rl.Rate <= 0 || rl.Burst < 1) {
		return fmt.Errorf("server.rate_limit requires a positive connections_per_second and burst")
	}

	if c.Broker.MaximumQoS > 2 {
		return fmt.Errorf("broker.maximum_qos must be 0, 1 or 2")
	}
	if c.Broker.MaxPacketSize < 128 || c.Broker.MaxPacketSize > 268435455 {
		return fmt.Errorf("broker.max_packet_size must be between 128 and 268435455")
	}
	if c.Broker.BufferPoolSize < 0 {
		return fmt.Errorf("broker.buffer_pool_size cannot be negative")
	}
	if c.Broker.OutboxSize < 1 {
		return fmt.Errorf("broker.outbox_size must be at least 1")
	}
	if c.Broker.KeepAliveGrace < 0 {
		return fmt.Errorf("broker.keep_alive_grace cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// BrokerSettings maps the configuration onto broker settings.
func (c *Config) BrokerSettings() broker.Config {
	return broker.Config{
		MaximumQoS:     c.Broker.MaximumQoS,
		MaxPacketSize:  c.Broker.MaxPacketSize,
		OutboxSize:     c.Broker.OutboxSize,
		ConnectTimeout: c.Server.ConnectTimeout,
		KeepAliveGrace: c.Broker.KeepAliveGrace,
		WriteTimeout:   c.Server.WriteTimeout,
	}
}

var clientAuthModes = map[string]tls.ClientAuthType{
	"none":    tls.NoClientCert,
	"request": tls.VerifyClientCertIfGiven,
	"require": tls.RequireAndVerifyClientCert,
}

// LoadTLS builds the listener TLS configuration. It returns nil when TLS is disabled.
func (c *ServerConfig) LoadTLS() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   clientAuthModes[c.TLSClientAuth],
	}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.TLSCAFile)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
