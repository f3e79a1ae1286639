package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML configuration file on top of the defaults and
// applies environment overrides.
//
// Durations are written as Go duration strings ("10s", "1m30s").
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadFileInto(cfg, path); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFileInto(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PROCHARNESS_KEY
func applyEnvOverrides(cfg *Config) error {
	// Server
	if v := os.Getenv("PROCHARNESS_BINARY"); v != "" {
		cfg.Server.BinaryPath = v
	}
	if v := os.Getenv("PROCHARNESS_CMDCTL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROCHARNESS_CMDCTL_PORT: %w", err)
		}
		cfg.Server.CmdctlPort = port
		cfg.Control.Port = port
	}

	// Control client
	if v := os.Getenv("PROCHARNESS_CONTROL"); v != "" {
		cfg.Control.BinaryPath = v
	}

	// Steps
	if v := os.Getenv("PROCHARNESS_WAIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROCHARNESS_WAIT_TIMEOUT: %w", err)
		}
		cfg.WaitTimeout = d
	}

	// Observability
	if v := os.Getenv("PROCHARNESS_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("PROCHARNESS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PROCHARNESS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return nil
}
