// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the client configuration.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Coordinator configures how the coordinator is reached and started.
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths       *PathsConfig               `yaml:"paths,omitempty"`
	Coordinator *CoordinatorOverrideConfig `yaml:"coordinator,omitempty"`
	Logging     *LoggingConfig             `yaml:"logging,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for objlink data.
	Root string `yaml:"root"`

	// Bin is where objlink binaries are installed. Searched before
	// PATH when locating the coordinator.
	Bin string `yaml:"bin"`

	// State is the coordinator's state directory, holding the socket
	// and lock files.
	State string `yaml:"state"`
}

// CoordinatorConfig configures coordinator discovery and startup.
type CoordinatorConfig struct {
	// Binary is the coordinator executable name or absolute path.
	// Default: objserver
	Binary string `yaml:"binary"`

	// AutoStart spawns the coordinator when its socket is absent.
	// Default: true (development), false (production)
	AutoStart bool `yaml:"auto_start"`

	// ConnectAttempts bounds connection attempts.
	// Default: 6
	ConnectAttempts int `yaml:"connect_attempts"`

	// BackoffBase is the base delay of the quadratic backoff between
	// connection attempts, as a Go duration string.
	// Default: 100ms
	BackoffBase string `yaml:"backoff_base"`
}

// CoordinatorOverrideConfig is CoordinatorConfig with every field
// optional.
type CoordinatorOverrideConfig struct {
	Binary          string `yaml:"binary,omitempty"`
	AutoStart       *bool  `yaml:"auto_start,omitempty"`
	ConnectAttempts int    `yaml:"connect_attempts,omitempty"`
	BackoffBase     string `yaml:"backoff_base,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration, used as the base that
// the config file is merged into.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "objlink")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			Bin:   filepath.Join(defaultRoot, "bin"),
			State: filepath.Join(defaultRoot, "state"),
		},
		Coordinator: CoordinatorConfig{
			Binary:          "objserver",
			AutoStart:       true,
			ConnectAttempts: 6,
			BackoffBase:     "100ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the OBJLINK_CONFIG environment
// variable. It fails when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("OBJLINK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("OBJLINK_CONFIG environment variable not set; " +
			"set it to the path of your objlink.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			autoStart := false
			overrides = &ConfigOverrides{
				Coordinator: &CoordinatorOverrideConfig{AutoStart: &autoStart},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Bin != "" {
			c.Paths.Bin = overrides.Paths.Bin
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Coordinator != nil {
		if overrides.Coordinator.Binary != "" {
			c.Coordinator.Binary = overrides.Coordinator.Binary
		}
		if overrides.Coordinator.AutoStart != nil {
			c.Coordinator.AutoStart = *overrides.Coordinator.AutoStart
		}
		if overrides.Coordinator.ConnectAttempts != 0 {
			c.Coordinator.ConnectAttempts = overrides.Coordinator.ConnectAttempts
		}
		if overrides.Coordinator.BackoffBase != "" {
			c.Coordinator.BackoffBase = overrides.Coordinator.BackoffBase
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

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"OBJLINK_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["OBJLINK_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Coordinator.Binary = expandVars(c.Coordinator.Binary, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
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

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	} else if !filepath.IsAbs(c.Paths.State) {
		errs = append(errs, fmt.Errorf("paths.state must be absolute, got %q", c.Paths.State))
	}

	if c.Coordinator.Binary == "" {
		errs = append(errs, fmt.Errorf("coordinator.binary is required"))
	}

	if c.Coordinator.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("coordinator.connect_attempts must be at least 1, got %d", c.Coordinator.ConnectAttempts))
	}

	if _, err := c.Backoff(); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Backoff parses Coordinator.BackoffBase.
func (c *Config) Backoff() (time.Duration, error) {
	duration, err := time.ParseDuration(c.Coordinator.BackoffBase)
	if err != nil {
		return 0, fmt.Errorf("coordinator.backoff_base: %w", err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("coordinator.backoff_base must be positive, got %s", duration)
	}
	return duration, nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// BinaryPath returns the full path to an objlink binary. An absolute
// name is returned as is. Otherwise Paths.Bin is tried first, then
// PATH.
func (c *Config) BinaryPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	if c.Paths.Bin != "" {
		binPath := filepath.Join(c.Paths.Bin, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Paths.Bin != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Paths.Bin)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
