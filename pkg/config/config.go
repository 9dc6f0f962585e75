// Package config resolves gateway settings from the environment, with an
// optional YAML file layered on top for deployments that prefer files over
// env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway's knobs. The config file path (CONFIG_FILE) and
// the OTLP exporter endpoint (OTEL_EXPORTER_OTLP_ENDPOINT) are read by
// cmd/gateway directly and are not part of Config.
type Config struct {
	Port            int
	WSPort          int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	UpstreamURL     string
	GRPCAddress     string
	GRPCTimeout     time.Duration
	WorkerCount     int
	QueueSize       int
	LogLevel        string
	AlertWebhookURL string
}

// Load reads configuration from the environment, falling back to defaults.
func Load() *Config {
	return &Config{
		Port:            envInt("PORT", 8080),
		WSPort:          envInt("WS_PORT", 8081),
		ReadTimeout:     envDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    envDuration("WRITE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		UpstreamURL:     envOr("UPSTREAM_URL", "https://api.openai.com"),
		GRPCAddress:     envOr("GRPC_ADDRESS", "localhost:50051"),
		GRPCTimeout:     envDuration("GRPC_TIMEOUT", 30*time.Second),
		WorkerCount:     envInt("WORKER_COUNT", 10),
		QueueSize:       envInt("QUEUE_SIZE", 1000),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		AlertWebhookURL: envOr("ALERT_WEBHOOK_URL", ""),
	}
}

// fileConfig mirrors Config for the YAML overlay; durations are written as
// Go duration strings ("30s", "2m").
type fileConfig struct {
	Port            *int    `yaml:"port"`
	WSPort          *int    `yaml:"ws_port"`
	ReadTimeout     *string `yaml:"read_timeout"`
	WriteTimeout    *string `yaml:"write_timeout"`
	ShutdownTimeout *string `yaml:"shutdown_timeout"`
	UpstreamURL     *string `yaml:"upstream_url"`
	GRPCAddress     *string `yaml:"grpc_address"`
	GRPCTimeout     *string `yaml:"grpc_timeout"`
	WorkerCount     *int    `yaml:"worker_count"`
	QueueSize       *int    `yaml:"queue_size"`
	LogLevel        *string `yaml:"log_level"`
	AlertWebhookURL *string `yaml:"alert_webhook_url"`
}

// ApplyFile overlays settings from a YAML file onto cfg. An empty path is a
// no-op; a missing or invalid file is an error.
func (c *Config) ApplyFile(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setInt(&c.Port, fc.Port)
	setInt(&c.WSPort, fc.WSPort)
	setInt(&c.WorkerCount, fc.WorkerCount)
	setInt(&c.QueueSize, fc.QueueSize)
	setString(&c.UpstreamURL, fc.UpstreamURL)
	setString(&c.GRPCAddress, fc.GRPCAddress)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.AlertWebhookURL, fc.AlertWebhookURL)

	for _, d := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.ReadTimeout, fc.ReadTimeout, "read_timeout"},
		{&c.WriteTimeout, fc.WriteTimeout, "write_timeout"},
		{&c.ShutdownTimeout, fc.ShutdownTimeout, "shutdown_timeout"},
		{&c.GRPCTimeout, fc.GRPCTimeout, "grpc_timeout"},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config: %s %q: %w", d.key, *d.src, err)
		}
		*d.dst = parsed
	}

	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
