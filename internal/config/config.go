// Package config loads daemon configuration from an optional YAML file in
// the cabin home directory, overridden by CABIN_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls the cabin daemon.
type Config struct {
	// BusURL is the websocket URL of the ECU bus.
	BusURL string `yaml:"bus_url"`

	// CabinHome is the directory where cabin stores local state.
	CabinHome string `yaml:"-"`

	// LogLevel is the logger verbosity (trace|debug|info|warn|error).
	LogLevel string `yaml:"log_level"`

	// Debug enables verbose logging plus the periodic state dump.
	Debug bool `yaml:"debug"`

	// ReconnectMin is the initial reconnect backoff.
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	// ReconnectMax caps the reconnect backoff.
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// Load loads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cabinHome := os.Getenv("CABIN_HOME_DIR")
	if cabinHome == "" {
		cabinHome = filepath.Join(homeDir, ".cabin")
	}
	if err := os.MkdirAll(cabinHome, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cabin home: %w", err)
	}

	cfg := &Config{
		BusURL:       "ws://localhost:9001",
		LogLevel:     "info",
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
	}

	// The config file is optional; environment wins over it.
	path := filepath.Join(cabinHome, "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.CabinHome = cabinHome

	if url := os.Getenv("CABIN_BUS_URL"); url != "" {
		cfg.BusURL = url
	}
	if level := os.Getenv("CABIN_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if debug := os.Getenv("CABIN_DEBUG"); debug == "true" || debug == "1" {
		cfg.Debug = true
	}

	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}

	return cfg, nil
}
