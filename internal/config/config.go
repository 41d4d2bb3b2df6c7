// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration: defaults, then an
// optional YAML file, then environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the TCP address to bind (e.g. ":9480").
	// Environment: DURABLE_ADDR
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout bounds how long shutdown waits for in-flight queue
	// messages to settle before forcing exit.
	// Environment: DURABLE_DRAIN_TIMEOUT
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// StorageConfig configures the sqlite event store.
type StorageConfig struct {
	// Path is the sqlite database file. ":memory:" keeps everything
	// in-process.
	// Environment: DURABLE_DB_PATH
	Path string `yaml:"path,omitempty"`

	// EncryptPayloads enables AES-GCM payload encryption at rest. The
	// key comes from DURABLE_DATA_KEY.
	EncryptPayloads bool `yaml:"encrypt_payloads"`
}

// QueueConfig configures the in-process queue.
type QueueConfig struct {
	// Workers is the delivery worker pool size.
	// Environment: DURABLE_QUEUE_WORKERS
	Workers int `yaml:"workers,omitempty"`

	// MaxDelaySeconds caps a single redelivery defer.
	MaxDelaySeconds int `yaml:"max_delay_seconds,omitempty"`

	// RateLimit caps deliveries per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	// Environment: DURABLE_LOG_LEVEL
	Level string `yaml:"level,omitempty"`

	// Format is the log format (text, json).
	// Environment: DURABLE_LOG_FORMAT
	Format string `yaml:"format,omitempty"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Enabled mounts /metrics on the server.
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":9480",
			ShutdownTimeout: 5 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			Path: defaultDBPath(),
		},
		Queue: QueueConfig{
			Workers:         8,
			MaxDelaySeconds: 82800,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile merges a YAML file over the current values.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyDefaults fills zero values so minimal config files work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = defaults.Server.DrainTimeout
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaults.Storage.Path
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = defaults.Queue.Workers
	}
	if c.Queue.MaxDelaySeconds == 0 {
		c.Queue.MaxDelaySeconds = defaults.Queue.MaxDelaySeconds
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// loadFromEnv overrides values from DURABLE_* environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("DURABLE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DURABLE_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.DrainTimeout = d
		}
	}
	if v := os.Getenv("DURABLE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DURABLE_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.Workers = n
		}
	}
	if v := os.Getenv("DURABLE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DURABLE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q (want text or json)", ErrInvalidConfig, c.Log.Format)
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.Log.Level)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("%w: queue workers must be positive", ErrInvalidConfig)
	}
	if c.Queue.RateLimit < 0 {
		return fmt.Errorf("%w: queue rate limit must not be negative", ErrInvalidConfig)
	}
	return nil
}

// defaultDBPath places the database under the user's home directory,
// falling back to the working directory.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "durable.db"
	}
	return filepath.Join(home, ".durable", "durable.db")
}
