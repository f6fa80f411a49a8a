// Package config loads the ideacheck configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ideacheck configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Stream    StreamConfig    `yaml:"stream"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite, jsonl
	Path    string `yaml:"path"`    // database file (sqlite) or directory (jsonl)
	Watch   bool   `yaml:"watch"`   // jsonl only: follow writes from other processes
}

// StreamConfig tunes the stream controller.
type StreamConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	BackoffBase    string `yaml:"backoff_base"`
	BackoffMax     string `yaml:"backoff_max"`
	IdleTimeout    string `yaml:"idle_timeout"`
	ReadBufferSize int    `yaml:"read_buffer_size"`
	ActivityLimit  int    `yaml:"activity_limit"`
}

// TransportConfig selects how agent streams are opened.
type TransportConfig struct {
	Kind     string            `yaml:"kind"` // sse, ws, gemini
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Model    string            `yaml:"model"`
	APIKey   string            `yaml:"-"`
	Thoughts bool              `yaml:"thoughts"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "data/ideacheck.db",
		},
		Stream: StreamConfig{
			MaxRetries:     3,
			BackoffBase:    "500ms",
			BackoffMax:     "10s",
			IdleTimeout:    "60s",
			ReadBufferSize: 4096,
			ActivityLimit:  50,
		},
		Transport: TransportConfig{
			Kind:  "gemini",
			Model: "gemini-2.5-flash",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Transport.APIKey = key
	}
	if v := os.Getenv("IDEACHECK_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("IDEACHECK_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("IDEACHECK_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("IDEACHECK_TRANSPORT"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("IDEACHECK_ENDPOINT"); v != "" {
		c.Transport.Endpoint = v
	}
	if v := os.Getenv("IDEACHECK_MODEL"); v != "" {
		c.Transport.Model = v
	}
	if v := os.Getenv("IDEACHECK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("IDEACHECK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Stream.MaxRetries = n
		}
	}
}

var (
	ValidBackends   = []string{"sqlite", "jsonl"}
	ValidTransports = []string{"sse", "ws", "gemini"}
)

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if !slices.Contains(ValidBackends, c.Store.Backend) {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends)
	}
	if !slices.Contains(ValidTransports, c.Transport.Kind) {
		return fmt.Errorf("invalid transport: %s (valid: %v)", c.Transport.Kind, ValidTransports)
	}
	if c.Transport.Kind != "gemini" && c.Transport.Endpoint == "" {
		return fmt.Errorf("transport %s requires an endpoint", c.Transport.Kind)
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	for name, v := range map[string]string{
		"backoff_base": c.Stream.BackoffBase,
		"backoff_max":  c.Stream.BackoffMax,
		"idle_timeout": c.Stream.IdleTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetBackoffBase returns the first retry delay.
func (c *Config) GetBackoffBase() time.Duration {
	return duration(c.Stream.BackoffBase, 500*time.Millisecond)
}

// GetBackoffMax returns the retry delay cap.
func (c *Config) GetBackoffMax() time.Duration {
	return duration(c.Stream.BackoffMax, 10*time.Second)
}

// GetIdleTimeout returns how long a stream may stay silent.
func (c *Config) GetIdleTimeout() time.Duration {
	return duration(c.Stream.IdleTimeout, 60*time.Second)
}

// SlogLevel maps the configured level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
