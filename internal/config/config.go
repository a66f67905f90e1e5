// Package config loads daemon settings from a YAML file with
// environment overrides. Every field has a sane default so the daemon
// runs with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SYNCBRIDGE_"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the daemon's full configuration surface.
type Config struct {
	// ServerURL is the assistant server websocket endpoint.
	ServerURL string `yaml:"server_url"`

	// Reconnection policy. The k-th retry waits BaseDelay*k.
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// StatusPollInterval is how often the connection status is
	// re-broadcast to surfaces. Zero disables polling.
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`

	// StateDSN selects the persistence backend for the local cache.
	// Empty means in-memory; a bare path means a JSON file.
	StateDSN string `yaml:"state_dsn"`

	// ListenAddr serves /healthz and /metrics.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		ServerURL:          "ws://localhost:8765",
		BaseDelay:          time.Second,
		MaxAttempts:        5,
		ConnectTimeout:     5 * time.Second,
		StatusPollInterval: 5 * time.Second,
		StateDSN:           "syncbridge-state.json",
		ListenAddr:         "127.0.0.1:9180",
		LogLevel:           "info",
	}
}

// Load reads the YAML file at path (missing file is fine), overlays
// SYNCBRIDGE_* environment variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookup("SERVER_URL"); ok {
		c.ServerURL = v
	}
	if v, ok := lookup("STATE_DSN"); ok {
		c.StateDSN = v
	}
	if v, ok := lookup("LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("BASE_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sBASE_DELAY: %v", ErrInvalidConfig, envPrefix, err)
		}
		c.BaseDelay = d
	}
	if v, ok := lookup("CONNECT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sCONNECT_TIMEOUT: %v", ErrInvalidConfig, envPrefix, err)
		}
		c.ConnectTimeout = d
	}
	if v, ok := lookup("STATUS_POLL_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sSTATUS_POLL_INTERVAL: %v", ErrInvalidConfig, envPrefix, err)
		}
		c.StatusPollInterval = d
	}
	if v, ok := lookup("MAX_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sMAX_ATTEMPTS: %v", ErrInvalidConfig, envPrefix, err)
		}
		c.MaxAttempts = n
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("%w: server_url is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("%w: server_url must be a ws:// or wss:// URL", ErrInvalidConfig)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("%w: base_delay must be positive", ErrInvalidConfig)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.StatusPollInterval < 0 {
		return fmt.Errorf("%w: status_poll_interval cannot be negative", ErrInvalidConfig)
	}
	return nil
}
