// Package config holds application configuration: session retry defaults,
// sampling periods and logging setup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blelink/internal/session"
)

// Config holds application configuration. Durations are parsed from Go
// duration strings ("30s", "1m30s"); empty means disabled.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	// Retry budgets; -1 retries forever.
	TimeoutRetries    int `yaml:"timeout_retries" default:"-1"`
	DisconnectRetries int `yaml:"disconnect_retries" default:"-1"`

	ConnectionTimeout string `yaml:"connection_timeout" default:"30s"`
	RSSIPeriod        string `yaml:"rssi_period" default:"10s"`

	EventCapacity int `yaml:"event_capacity" default:"16"`
	RSSICapacity  int `yaml:"rssi_capacity" default:"16"`
}

// Default returns the default configuration values.
func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the parseable fields without applying them.
func (c *Config) Validate() error {
	if _, err := c.ConnectionTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.RSSIPeriodDuration(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return nil
}

// ConnectionTimeoutDuration parses the connect timeout; empty means no
// software timeout.
func (c *Config) ConnectionTimeoutDuration() (time.Duration, error) {
	if c.ConnectionTimeout == "" {
		return session.NoConnectionTimeout, nil
	}
	d, err := time.ParseDuration(c.ConnectionTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid connection_timeout %q: %w", c.ConnectionTimeout, err)
	}
	return d, nil
}

// RSSIPeriodDuration parses the RSSI polling period.
func (c *Config) RSSIPeriodDuration() (time.Duration, error) {
	if c.RSSIPeriod == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.RSSIPeriod)
	if err != nil {
		return 0, fmt.Errorf("invalid rssi_period %q: %w", c.RSSIPeriod, err)
	}
	return d, nil
}

// ConnectOptions converts the configuration into session connect options.
func (c *Config) ConnectOptions() (*session.ConnectOptions, error) {
	timeout, err := c.ConnectionTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return &session.ConnectOptions{
		TimeoutRetries:    c.TimeoutRetries,
		DisconnectRetries: c.DisconnectRetries,
		ConnectionTimeout: timeout,
		Capacity:          c.EventCapacity,
	}, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
