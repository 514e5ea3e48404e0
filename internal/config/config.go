// Package config loads wsgate server settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/grantcarthew/wsgate/internal/transport"
)

// DefaultPath is tried when no config path is given.
const DefaultPath = "configs/wsgate.yaml"

// Config holds the settings for "wsgate serve".
type Config struct {
	Host             string          `yaml:"host"`
	Port             int             `yaml:"port"`
	MaxMessageSize   int64           `yaml:"maxMessageSize"`
	OriginPatterns   []string        `yaml:"originPatterns"`
	CloseOnViolation bool            `yaml:"closeOnViolation"`
	StaticDir        string          `yaml:"staticDir"`
	Debug            bool            `yaml:"debug"`
	RateLimit        RateLimitConfig `yaml:"rateLimit"`
	Protocol         ProtocolConfig  `yaml:"protocol"`
	Metrics          MetricsConfig   `yaml:"metrics"`
	Clock            ClockConfig     `yaml:"clock"`
}

// RateLimitConfig controls per-peer connection rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idleTTL"`
}

// ProtocolConfig names the subprotocol required on the /protocol route.
type ProtocolConfig struct {
	Required string `yaml:"required"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ClockConfig controls the /clock demo route.
type ClockConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// fileConfig mirrors Config with pointer fields so absent keys keep defaults.
type fileConfig struct {
	Host             *string  `yaml:"host"`
	Port             *int     `yaml:"port"`
	MaxMessageSize   *int64   `yaml:"maxMessageSize"`
	OriginPatterns   []string `yaml:"originPatterns"`
	CloseOnViolation *bool    `yaml:"closeOnViolation"`
	StaticDir        *string  `yaml:"staticDir"`
	Debug            *bool    `yaml:"debug"`
	RateLimit        struct {
		Enabled *bool          `yaml:"enabled"`
		RPS     *float64       `yaml:"rps"`
		Burst   *int           `yaml:"burst"`
		IdleTTL *time.Duration `yaml:"idleTTL"`
	} `yaml:"rateLimit"`
	Protocol struct {
		Required *string `yaml:"required"`
	} `yaml:"protocol"`
	Metrics struct {
		Enabled *bool   `yaml:"enabled"`
		Path    *string `yaml:"path"`
	} `yaml:"metrics"`
	Clock struct {
		Interval *time.Duration `yaml:"interval"`
	} `yaml:"clock"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:             "localhost",
		Port:             8765,
		MaxMessageSize:   transport.DefaultMaxMessageSize,
		CloseOnViolation: true,
		RateLimit: RateLimitConfig{
			RPS:     5,
			Burst:   10,
			IdleTTL: 10 * time.Minute,
		},
		Protocol: ProtocolConfig{Required: "wsgate.v1"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
		Clock:    ClockConfig{Interval: time.Second},
	}
}

// Load reads the config at path, or DefaultPath when path is empty, merges it
// over Default and applies environment overrides. A missing DefaultPath is not
// an error; a missing explicit path is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Parse(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse merges the YAML document data into cfg.
func Parse(cfg *Config, data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	merge(cfg, fc)
	return nil
}

func merge(dst *Config, src fileConfig) {
	set(&dst.Host, src.Host)
	set(&dst.Port, src.Port)
	set(&dst.MaxMessageSize, src.MaxMessageSize)
	if src.OriginPatterns != nil {
		dst.OriginPatterns = src.OriginPatterns
	}
	set(&dst.CloseOnViolation, src.CloseOnViolation)
	set(&dst.StaticDir, src.StaticDir)
	set(&dst.Debug, src.Debug)
	set(&dst.RateLimit.Enabled, src.RateLimit.Enabled)
	set(&dst.RateLimit.RPS, src.RateLimit.RPS)
	set(&dst.RateLimit.Burst, src.RateLimit.Burst)
	set(&dst.RateLimit.IdleTTL, src.RateLimit.IdleTTL)
	set(&dst.Protocol.Required, src.Protocol.Required)
	set(&dst.Metrics.Enabled, src.Metrics.Enabled)
	set(&dst.Metrics.Path, src.Metrics.Path)
	set(&dst.Clock.Interval, src.Clock.Interval)
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// ApplyEnvOverrides applies WSGATE_* environment variables to cfg.
func ApplyEnvOverrides(cfg *Config) error {
	var errs []error

	if v := env("WSGATE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := env("WSGATE_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WSGATE_PORT: %w", err))
		} else {
			cfg.Port = n
		}
	}
	if v := env("WSGATE_MAX_MESSAGE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WSGATE_MAX_MESSAGE_SIZE: %w", err))
		} else {
			cfg.MaxMessageSize = n
		}
	}
	if v := env("WSGATE_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WSGATE_RATE_LIMIT_RPS: %w", err))
		} else {
			cfg.RateLimit.RPS = f
			cfg.RateLimit.Enabled = true
		}
	}
	if v := env("WSGATE_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WSGATE_RATE_LIMIT_BURST: %w", err))
		} else {
			cfg.RateLimit.Burst = n
			cfg.RateLimit.Enabled = true
		}
	}
	if v := env("WSGATE_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WSGATE_DEBUG: %w", err))
		} else {
			cfg.Debug = b
		}
	}

	return errors.Join(errs...)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size: %d", c.MaxMessageSize)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate limit rps must be positive: %v", c.RateLimit.RPS)
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive: %d", c.RateLimit.Burst)
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}
	if c.Clock.Interval <= 0 {
		return fmt.Errorf("clock interval must be positive: %v", c.Clock.Interval)
	}
	return nil
}
