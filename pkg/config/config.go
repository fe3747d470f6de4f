// Package config loads mcphost configuration from a YAML file, MCPHOST_*
// environment variables and built-in defaults, in that order of precedence
// below explicit command line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	mcperrors "github.com/mcpmacos/mcphost/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Tracing TracingConfig  `mapstructure:"tracing"`
	Mail    MailConfig     `mapstructure:"mail"`
	Imports []ImportConfig `mapstructure:"imports"`
}

// ServerConfig holds the hub's own MCP endpoint
type ServerConfig struct {
	Name           string        `mapstructure:"name"`
	Version        string        `mapstructure:"version"`
	Instructions   string        `mapstructure:"instructions"`
	Transport      string        `mapstructure:"transport"`
	Address        string        `mapstructure:"address"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	PageSize       int           `mapstructure:"page_size"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Exporter   string            `mapstructure:"exporter"`
	Endpoint   string            `mapstructure:"endpoint"`
	Headers    map[string]string `mapstructure:"headers"`
	Insecure   bool              `mapstructure:"insecure"`
	SampleRate float64           `mapstructure:"sample_rate"`
}

// MailConfig configures the built-in Apple Mail sub-server
type MailConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Prefix     string        `mapstructure:"prefix"`
	ScriptsDir string        `mapstructure:"scripts_dir"`
	Osascript  string        `mapstructure:"osascript"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ImportConfig describes a remote MCP server mounted under Prefix. Exactly
// one of Command and URL is set.
type ImportConfig struct {
	Prefix  string            `mapstructure:"prefix"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// Transports accepted by server.transport
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// SetDefaults installs the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "mcphost")
	v.SetDefault("server.version", "dev")
	v.SetDefault("server.transport", TransportStdio)
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.session_timeout", 30*time.Minute)
	v.SetDefault("server.page_size", 50)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "noop")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("mail.enabled", true)
	v.SetDefault("mail.prefix", "")
	v.SetDefault("mail.scripts_dir", "")
	v.SetDefault("mail.osascript", "/usr/bin/osascript")
	v.SetDefault("mail.timeout", 60*time.Second)
}

// New loads and validates the configuration. An empty path searches for
// mcphost.yaml in the working directory and ~/.config/mcphost; a missing
// file is not an error unless path was given explicitly.
func New(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return Load(v, path)
}

// Load reads configuration into v. Defaults and bound flags must already be
// installed on v; see SetDefaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix("MCPHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcphost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/mcphost")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP, TransportSSE:
	default:
		return mcperrors.ConfigError("server.transport", fmt.Sprintf("%s, must be 'stdio', 'http' or 'sse'", c.Server.Transport))
	}

	if c.Server.Transport != TransportStdio && c.Server.Address == "" {
		return mcperrors.ConfigError("server.address", fmt.Sprintf("required for %s transport", c.Server.Transport))
	}

	if c.Server.RateLimit < 0 {
		return mcperrors.ConfigError("server.rate_limit", fmt.Sprintf("must not be negative, got: %v", c.Server.RateLimit))
	}

	if c.Server.PageSize <= 0 {
		return mcperrors.ConfigError("server.page_size", fmt.Sprintf("must be positive, got: %d", c.Server.PageSize))
	}

	if c.Logging.Mode != "development" && c.Logging.Mode != "production" {
		return mcperrors.ConfigError("logging.mode", fmt.Sprintf("%s, must be 'development' or 'production'", c.Logging.Mode))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return mcperrors.ConfigError("tracing.sample_rate", fmt.Sprintf("must be between 0 and 1, got: %v", c.Tracing.SampleRate))
	}

	prefixes := make(map[string]bool)
	if c.Mail.Enabled {
		prefixes[c.Mail.Prefix] = true
	}
	for i, imp := range c.Imports {
		if (imp.Command == "") == (imp.URL == "") {
			return mcperrors.ConfigError(fmt.Sprintf("imports[%d]", i), "exactly one of command and url must be set")
		}
		if strings.ContainsAny(imp.Prefix, "/_ ") {
			return mcperrors.ConfigError(fmt.Sprintf("imports[%d].prefix", i), fmt.Sprintf("%q must not contain '/', '_' or spaces", imp.Prefix))
		}
		if imp.Prefix == "" {
			continue
		}
		if prefixes[imp.Prefix] {
			return mcperrors.ConfigError(fmt.Sprintf("imports[%d].prefix", i), fmt.Sprintf("%q is already in use", imp.Prefix))
		}
		prefixes[imp.Prefix] = true
	}
	return nil
}
