// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a DataBus client.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Kernel is where the DataBus kernel listens.
	Kernel KernelConfig `yaml:"kernel"`

	// Client configures timeouts and connection behavior.
	Client ClientConfig `yaml:"client"`

	// Memory configures where shared-memory segments live.
	Memory MemoryConfig `yaml:"memory"`

	// Logging configures the slog handler built by binaries.
	Logging LoggingConfig `yaml:"logging"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Kernel  *KernelConfig    `yaml:"kernel,omitempty"`
	Client  *ClientOverrides `yaml:"client,omitempty"`
	Memory  *MemoryConfig    `yaml:"memory,omitempty"`
	Logging *LoggingConfig   `yaml:"logging,omitempty"`
}

// ClientOverrides mirrors ClientConfig for override sections. Handshake
// is a pointer so an override that leaves it out keeps the base value.
type ClientOverrides struct {
	RequestTimeout   string `yaml:"request_timeout,omitempty"`
	ReleaseTimeout   string `yaml:"release_timeout,omitempty"`
	DialTimeout      string `yaml:"dial_timeout,omitempty"`
	DialAttempts     int    `yaml:"dial_attempts,omitempty"`
	MaxRetryInterval string `yaml:"max_retry_interval,omitempty"`
	Handshake        *bool  `yaml:"handshake,omitempty"`
}

// KernelConfig locates the kernel.
type KernelConfig struct {
	// Host is resolved once when the client opens.
	// Default: 127.0.0.1
	Host string `yaml:"host"`

	// Port is the kernel's TCP port.
	// Default: 9000
	Port int `yaml:"port"`
}

// ClientConfig configures request handling. Durations use Go syntax
// ("10s", "250ms").
type ClientConfig struct {
	// RequestTimeout bounds each request's wait for a response.
	// Default: 10s
	RequestTimeout string `yaml:"request_timeout"`

	// ReleaseTimeout bounds the permission release sent after a lease,
	// which runs even when the caller's context is cancelled.
	// Default: 5s
	ReleaseTimeout string `yaml:"release_timeout"`

	// DialTimeout bounds one TCP connect attempt.
	// Default: 5s
	DialTimeout string `yaml:"dial_timeout"`

	// DialAttempts is the number of connect attempts before Open fails.
	// Default: 3 (development), 5 (production)
	DialAttempts int `yaml:"dial_attempts"`

	// MaxRetryInterval caps the backoff between connect attempts.
	// Default: 2s
	MaxRetryInterval string `yaml:"max_retry_interval"`

	// Handshake exchanges a Hello on open.
	// Default: true
	Handshake bool `yaml:"handshake"`
}

// MemoryConfig locates segment files.
type MemoryConfig struct {
	// Directory holds one file per segment.
	// Default: /dev/shm
	Directory string `yaml:"directory"`

	// Prefix is prepended to the memory id to form a file name.
	// Default: databus-
	Prefix string `yaml:"prefix"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text, json, or auto. Auto writes text to a terminal
	// and JSON otherwise.
	// Default: auto (development), json (production)
	Format string `yaml:"format"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Kernel: KernelConfig{
			Host: "127.0.0.1",
			Port: 9000,
		},
		Client: ClientConfig{
			RequestTimeout:   "10s",
			ReleaseTimeout:   "5s",
			DialTimeout:      "5s",
			DialAttempts:     3,
			MaxRetryInterval: "2s",
			Handshake:        true,
		},
		Memory: MemoryConfig{
			Directory: "/dev/shm",
			Prefix:    "databus-",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from DATABUS_CONFIG environment variable.
//
// There are no fallbacks or defaults - if DATABUS_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("DATABUS_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DATABUS_CONFIG environment variable not set; " +
			"set it to the path of your databus.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// section for the configured environment, expands variables, and
// validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current
// config. Files ending in .json or .jsonc are JSON with comments; their
// comments and trailing commas are stripped and the result, being valid
// YAML, is decoded like any other file.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Client:  &ClientOverrides{DialAttempts: 5},
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Kernel != nil {
		if overrides.Kernel.Host != "" {
			c.Kernel.Host = overrides.Kernel.Host
		}
		if overrides.Kernel.Port != 0 {
			c.Kernel.Port = overrides.Kernel.Port
		}
	}

	if overrides.Client != nil {
		if overrides.Client.RequestTimeout != "" {
			c.Client.RequestTimeout = overrides.Client.RequestTimeout
		}
		if overrides.Client.ReleaseTimeout != "" {
			c.Client.ReleaseTimeout = overrides.Client.ReleaseTimeout
		}
		if overrides.Client.DialTimeout != "" {
			c.Client.DialTimeout = overrides.Client.DialTimeout
		}
		if overrides.Client.DialAttempts != 0 {
			c.Client.DialAttempts = overrides.Client.DialAttempts
		}
		if overrides.Client.MaxRetryInterval != "" {
			c.Client.MaxRetryInterval = overrides.Client.MaxRetryInterval
		}
		if overrides.Client.Handshake != nil {
			c.Client.Handshake = *overrides.Client.Handshake
		}
	}

	if overrides.Memory != nil {
		if overrides.Memory.Directory != "" {
			c.Memory.Directory = overrides.Memory.Directory
		}
		if overrides.Memory.Prefix != "" {
			c.Memory.Prefix = overrides.Memory.Prefix
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Kernel.Host = expandVars(c.Kernel.Host, vars)
	c.Memory.Directory = expandVars(c.Memory.Directory, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Timeouts are the parsed ClientConfig durations.
type Timeouts struct {
	Request          time.Duration
	Release          time.Duration
	Dial             time.Duration
	MaxRetryInterval time.Duration
}

// Timeouts parses the duration fields.
func (c ClientConfig) Timeouts() (Timeouts, error) {
	var timeouts Timeouts
	var errs []error
	parse := func(field, value string, into *time.Duration) {
		duration, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("client.%s: %w", field, err))
			return
		}
		if duration < 0 {
			errs = append(errs, fmt.Errorf("client.%s must not be negative", field))
			return
		}
		*into = duration
	}
	parse("request_timeout", c.RequestTimeout, &timeouts.Request)
	parse("release_timeout", c.ReleaseTimeout, &timeouts.Release)
	parse("dial_timeout", c.DialTimeout, &timeouts.Dial)
	parse("max_retry_interval", c.MaxRetryInterval, &timeouts.MaxRetryInterval)
	return timeouts, errors.Join(errs...)
}

// SlogLevel returns the configured level. Validate rejects unknown
// names, so anything unparsed here is info.
func (l LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// NewLogger builds a logger writing to w in the configured format.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	options := &slog.HandlerOptions{Level: l.SlogLevel()}
	format := strings.ToLower(l.Format)
	if format == "auto" {
		format = "json"
		if file, ok := w.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, options))
	}
	return slog.New(slog.NewTextHandler(w, options))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Kernel.Host == "" {
		errs = append(errs, fmt.Errorf("kernel.host is required"))
	}
	if c.Kernel.Port < 1 || c.Kernel.Port > 65535 {
		errs = append(errs, fmt.Errorf("kernel.port must be between 1 and 65535, got %d", c.Kernel.Port))
	}

	if _, err := c.Client.Timeouts(); err != nil {
		errs = append(errs, err)
	}
	if c.Client.DialAttempts < 1 {
		errs = append(errs, fmt.Errorf("client.dial_attempts must be at least 1, got %d", c.Client.DialAttempts))
	}

	if c.Memory.Directory == "" {
		errs = append(errs, fmt.Errorf("memory.directory is required"))
	}
	if strings.ContainsRune(c.Memory.Prefix, os.PathSeparator) {
		errs = append(errs, fmt.Errorf("memory.prefix must not contain a path separator"))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	formats := []string{"text", "json", "auto"}
	if !contains(formats, strings.ToLower(c.Logging.Format)) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", formats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
