// Package config loads service configuration from an optional YAML file
// layered over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Configuration errors.
var (
	ErrEmptyHost      = errors.New("config: firehose host cannot be empty")
	ErrInvalidTimeout = errors.New("config: watchdog timeout must be positive")
	ErrInvalidWorkers = errors.New("config: worker count must be positive")
)

// Config holds the settings shared by the tail and feed generator
// binaries.
type Config struct {
	PDS      PDSConfig      `koanf:"pds"`
	Firehose FirehoseConfig `koanf:"firehose"`
	Feedgen  FeedgenConfig  `koanf:"feedgen"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// PDSConfig points at the personal data server used for XRPC calls.
type PDSConfig struct {
	Host string `koanf:"host"`
}

// FirehoseConfig controls the relay subscription.
type FirehoseConfig struct {
	Host            string        `koanf:"host"`
	FiltersPath     string        `koanf:"filters_path"`
	WatchdogTimeout time.Duration `koanf:"watchdog_timeout"`
	ChannelCapacity int           `koanf:"channel_capacity"`
}

// FeedgenConfig controls the feed generator HTTP service.
type FeedgenConfig struct {
	Hostname string `koanf:"hostname"`
	Addr     string `koanf:"addr"`
	Workers  int    `koanf:"workers"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PDS: PDSConfig{Host: "bsky.social"},
		Firehose: FirehoseConfig{
			Host:            "bsky.network",
			FiltersPath:     "filters.yaml",
			WatchdogTimeout: 60 * time.Second,
			ChannelCapacity: 128,
		},
		Feedgen: FeedgenConfig{
			Hostname: "localhost",
			Addr:     ":8000",
			Workers:  4,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Firehose.Host == "" {
		return ErrEmptyHost
	}
	if c.Firehose.WatchdogTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Feedgen.Workers <= 0 {
		return ErrInvalidWorkers
	}
	return nil
}
