// Package config loads the echo tool settings from YAML files.
package config

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the server and ping commands.
type Config struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Timeout  time.Duration `yaml:"timeout"`
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
	Message  string        `yaml:"message"`
}

// Defaults returns the settings used when no file or flag sets them.
// A zero Timeout means no bound and a zero Count means forever.
func Defaults() Config {
	return Config{
		Host:     "localhost",
		Port:     8888,
		Interval: 500 * time.Millisecond,
		Workers:  4,
		Message:  "ping",
	}
}

// Addr returns the host:port pair.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in [0, 65535], got: %d", c.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got: %s", c.Timeout)
	}
	if c.Count < 0 {
		return fmt.Errorf("count must not be negative, got: %d", c.Count)
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got: %s", c.Interval)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got: %d", c.Workers)
	}
	return nil
}

// YAMLRepository loads Config files from a filesystem.
type YAMLRepository struct {
	fs fs.FS
}

// NewYAMLRepository creates a new YAML config repository.
func NewYAMLRepository(filesystem fs.FS) *YAMLRepository {
	return &YAMLRepository{fs: filesystem}
}

// GetConfig loads path over Defaults and validates the result.
func (r *YAMLRepository) GetConfig(ctx context.Context, path string) (Config, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return Config{}, ctx.Err()
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
