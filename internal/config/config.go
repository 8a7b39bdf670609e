// Package config implements bi-kanpe's YAML configuration surface:
// director, caster, and control-API sections, plus logging. Grounded
// directly on the teacher's cmd/streamerbrainz/config.go (DefaultConfig
// / LoadConfigFile / Validate shape, gopkg.in/yaml.v3 with
// KnownFields(true) to catch typos).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for both the director and
// caster binaries. Each runs with only the sections it needs; unused
// sections are simply ignored.
type Config struct {
	Director DirectorConfig `yaml:"director"`
	Caster   CasterConfig   `yaml:"caster"`
	Control  ControlConfig  `yaml:"control"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DirectorConfig struct {
	Port                      int           `yaml:"port"`
	ServerName                string        `yaml:"server_name"`
	OutboxSize                int           `yaml:"outbox_size"`
	KanpeHistoryCapacity      int           `yaml:"kanpe_history_capacity"`
	FeedbackHistoryCapacity   int           `yaml:"feedback_history_capacity"`
	PingIntervalMS            int           `yaml:"ping_interval_ms"`
	SlowConsumerDropThreshold int           `yaml:"slow_consumer_drop_threshold"`
	SlowConsumerWindowMS      int           `yaml:"slow_consumer_window_ms"`
	ShutdownGraceMS           int           `yaml:"shutdown_grace_ms"`
}

type CasterConfig struct {
	ServerURL          string   `yaml:"server_url"`
	ClientName         string   `yaml:"client_name"`
	DisplayMonitorIDs  []string `yaml:"display_monitor_ids"`
	DialTimeoutMS      int      `yaml:"dial_timeout_ms"`
	HandshakeTimeoutMS int      `yaml:"handshake_timeout_ms"`
	InitialBackoffMS   int      `yaml:"initial_backoff_ms"`
	MaxBackoffMS       int      `yaml:"max_backoff_ms"`
	BackoffFactor      float64  `yaml:"backoff_factor"`
	BackoffJitter      float64  `yaml:"backoff_jitter"`
}

type ControlConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with the values
// spec.md's components default to.
func DefaultConfig() Config {
	return Config{
		Director: DirectorConfig{
			Port:                      9876,
			ServerName:                "bi-kanpe director",
			OutboxSize:                256,
			KanpeHistoryCapacity:      500,
			FeedbackHistoryCapacity:   500,
			PingIntervalMS:            15000,
			SlowConsumerDropThreshold: 50,
			SlowConsumerWindowMS:      10000,
			ShutdownGraceMS:           500,
		},
		Caster: CasterConfig{
			ServerURL:          "ws://127.0.0.1:9876/ws",
			ClientName:         "caster",
			DisplayMonitorIDs:  []string{"ALL"},
			DialTimeoutMS:      5000,
			HandshakeTimeoutMS: 5000,
			InitialBackoffMS:   1000,
			MaxBackoffMS:       30000,
			BackoffFactor:      2,
			BackoffJitter:      0.2,
		},
		Control: ControlConfig{
			Enabled: true,
			Port:    9877,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of
// DefaultConfig, rejecting unknown fields so typos surface immediately.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(expandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// Validate checks config invariants, intended to be called after
// defaults + file are applied.
func (c *Config) Validate() error {
	if c.Director.Port <= 0 || c.Director.Port > 65535 {
		return errors.New("director.port must be between 1 and 65535")
	}
	if c.Director.OutboxSize <= 0 {
		return errors.New("director.outbox_size must be > 0")
	}
	if c.Director.SlowConsumerDropThreshold <= 0 {
		return errors.New("director.slow_consumer_drop_threshold must be > 0")
	}

	if c.Caster.ServerURL == "" {
		return errors.New("caster.server_url must not be empty")
	}
	if c.Caster.ClientName == "" {
		return errors.New("caster.client_name must not be empty")
	}
	if len(c.Caster.DisplayMonitorIDs) == 0 {
		return errors.New("caster.display_monitor_ids must not be empty")
	}
	if c.Caster.BackoffFactor <= 1 {
		return errors.New("caster.backoff_factor must be > 1")
	}
	if c.Caster.InitialBackoffMS <= 0 || c.Caster.MaxBackoffMS < c.Caster.InitialBackoffMS {
		return errors.New("caster.max_backoff_ms must be >= initial_backoff_ms > 0")
	}

	if c.Control.Enabled && (c.Control.Port <= 0 || c.Control.Port > 65535) {
		return errors.New("control.port must be between 1 and 65535 when control.enabled is true")
	}

	switch c.Logging.Level {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("logging.level must be one of error, warn, info, debug, got %q", c.Logging.Level)
	}

	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(p string) string {
	if p == "~" || (len(p) >= 2 && p[:2] == "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if p == "~" {
				return home
			}
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
