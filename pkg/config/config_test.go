package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: TransportStdio,
			PageSize:  50,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Tracing: TracingConfig{SampleRate: 1},
		Mail:    MailConfig{Enabled: true},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"InvalidTransport", func(c *Config) { c.Server.Transport = "carrier-pigeon" }, "invalid server.transport"},
		{"HTTPWithoutAddress", func(c *Config) { c.Server.Transport = TransportHTTP }, "invalid server.address: required for http transport"},
		{"NegativeRateLimit", func(c *Config) { c.Server.RateLimit = -1 }, "server.rate_limit"},
		{"ZeroPageSize", func(c *Config) { c.Server.PageSize = 0 }, "server.page_size"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "verbose" }, "invalid logging.mode"},
		{"SampleRateOutOfRange", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
		{"ImportWithoutTarget", func(c *Config) {
			c.Imports = []ImportConfig{{Prefix: "x"}}
		}, "exactly one of command and url"},
		{"ImportWithBothTargets", func(c *Config) {
			c.Imports = []ImportConfig{{Prefix: "x", Command: "srv", URL: "http://localhost"}}
		}, "exactly one of command and url"},
		{"ImportPrefixWithUnderscore", func(c *Config) {
			c.Imports = []ImportConfig{{Prefix: "my_srv", Command: "srv"}}
		}, "must not contain"},
		{"DuplicatePrefix", func(c *Config) {
			c.Imports = []ImportConfig{{Prefix: "a", Command: "one"}, {Prefix: "a", URL: "http://localhost/mcp"}}
		}, "already in use"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryValidation))
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "mcphost", cfg.Server.Name)
	assert.Equal(t, TransportStdio, cfg.Server.Transport)
	assert.Equal(t, 30*time.Minute, cfg.Server.SessionTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Mail.Enabled)
	assert.Equal(t, "/usr/bin/osascript", cfg.Mail.Osascript)
	assert.Empty(t, cfg.Imports)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcphost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  transport: http
  address: 127.0.0.1:3000
  session_timeout: 5m
mail:
  prefix: mail
imports:
  - prefix: files
    command: fs-server
    args: ["--root", "/tmp"]
  - prefix: weather
    url: http://localhost:9000/mcp
    headers:
      Authorization: Bearer abc
`), 0o600))

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, cfg.Server.Transport)
	assert.Equal(t, 5*time.Minute, cfg.Server.SessionTimeout)
	assert.Equal(t, "mail", cfg.Mail.Prefix)
	require.Len(t, cfg.Imports, 2)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.Imports[0].Args)
	assert.Equal(t, "http://localhost:9000/mcp", cfg.Imports[1].URL)
	assert.Equal(t, "Bearer abc", cfg.Imports[1].Headers["authorization"])
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MCPHOST_SERVER_TRANSPORT", "sse")
	t.Setenv("MCPHOST_LOGGING_LEVEL", "debug")

	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, TransportSSE, cfg.Server.Transport)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithoutDefaultsFailsValidation(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation error")
}
