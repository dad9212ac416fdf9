// Package config loads the agent configuration: built-in defaults, then an optional YAML
// file, then CARD_SELECTOR_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 32150
	DefaultPollInterval = 500 * time.Millisecond
	DefaultLogEntries   = 1000

	// EnvConfig names the YAML file to load when no path is given.
	EnvConfig = "CARD_SELECTOR_CONFIG"
)

// Config holds the agent settings.
type Config struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	PollInterval Duration `yaml:"poll_interval"`
	ScenarioDir  string   `yaml:"scenario_dir"`
	LogLevel     string   `yaml:"log_level"`
	LogEntries   int      `yaml:"log_entries"`
	SentryDSN    string   `yaml:"sentry_dsn"`
}

// Duration wraps time.Duration for YAML strings like "250ms" or "2s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		PollInterval: Duration{DefaultPollInterval},
		ScenarioDir:  DefaultScenarioDir(),
		LogLevel:     "debug",
		LogEntries:   DefaultLogEntries,
	}
}

// DefaultScenarioDir returns <UserConfigDir>/card-selector/scenarios, or a relative
// directory when the user config directory is unknown.
func DefaultScenarioDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "scenarios"
	}
	return filepath.Join(configDir, "card-selector", "scenarios")
}

// Load builds the configuration. path names a YAML file; when empty, the file named by
// CARD_SELECTOR_CONFIG is used if set. Environment variables override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv("CARD_SELECTOR_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("CARD_SELECTOR_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("CARD_SELECTOR_PORT: %w", err)
		}
		c.Port = p
	}
	if ms := os.Getenv("CARD_SELECTOR_POLL_INTERVAL_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil {
			return fmt.Errorf("CARD_SELECTOR_POLL_INTERVAL_MS: %w", err)
		}
		c.PollInterval = Duration{time.Duration(n) * time.Millisecond}
	}
	if dir := os.Getenv("CARD_SELECTOR_SCENARIO_DIR"); dir != "" {
		c.ScenarioDir = dir
	}
	if level := os.Getenv("CARD_SELECTOR_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.LogEntries <= 0 {
		return fmt.Errorf("log entries must be positive, got %d", c.LogEntries)
	}
	if c.ScenarioDir == "" {
		return errors.New("scenario directory is empty")
	}
	return nil
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
