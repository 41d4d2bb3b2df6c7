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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":9480", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.DrainTimeout)
	assert.NotEmpty(t, cfg.Storage.Path)
	assert.False(t, cfg.Storage.EncryptPayloads)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 82800, cfg.Queue.MaxDelaySeconds)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.yaml")
	data := `
server:
  addr: ":7000"
  drain_timeout: 10s
storage:
  path: /tmp/test.db
queue:
  workers: 2
  rate_limit: 50
log:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.DrainTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, 50.0, cfg.Queue.RateLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	// Unset fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 82800, cfg.Queue.MaxDelaySeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DURABLE_ADDR", ":8111")
	t.Setenv("DURABLE_DRAIN_TIMEOUT", "45s")
	t.Setenv("DURABLE_DB_PATH", ":memory:")
	t.Setenv("DURABLE_QUEUE_WORKERS", "3")
	t.Setenv("DURABLE_LOG_LEVEL", "warn")
	t.Setenv("DURABLE_LOG_FORMAT", "text")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8111", cfg.Server.Addr)
	assert.Equal(t, 45*time.Second, cfg.Server.DrainTimeout)
	assert.Equal(t, ":memory:", cfg.Storage.Path)
	assert.Equal(t, 3, cfg.Queue.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("DURABLE_QUEUE_WORKERS", "zero")
	t.Setenv("DURABLE_DRAIN_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 30*time.Second, cfg.Server.DrainTimeout)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }},
		{"negative rate limit", func(c *Config) { c.Queue.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
