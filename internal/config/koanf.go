// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/spoolwatch/spoolwatch/internal/units"
)

// DefaultConfigPaths lists the config file search order. The first file found
// wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/spoolwatch/config.yaml",
	"/etc/spoolwatch/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Enabled:          false, // device feed is opt-in; the engine runs API-only without it
			Host:             "",
			Port:             9999,
			StatusInterval:   5 * time.Second,
			ReadTimeout:      10 * time.Second,
			BurstDrainCount:  8,
			BurstDrainWindow: 2 * time.Second,
			AckWindow:        4,
			ReconnectBase:    2 * time.Second,
			ReconnectMax:     60 * time.Second,
		},
		JobHost: JobHostConfig{
			Enabled:         false,
			URL:             "",
			PollInterval:    5 * time.Second,
			Timeout:         3 * time.Second,
			HistoryInterval: 60 * time.Second,
			HistoryLimit:    20,
		},
		Spoolman: SpoolmanConfig{
			Enabled: false,
			URL:     "",
			Timeout: 5 * time.Second,
		},
		Filament: FilamentConfig{
			DiameterMM: 1.75,
			Densities:  units.DefaultDensities(),
		},
		Engine: EngineConfig{
			Policy:           PolicyProportional,
			Streaming:        false,
			NoiseThresholdMM: 2.0,
			SaveInterval:     5 * time.Second,
		},
		Store: StoreConfig{
			Path: "/data/spoolwatch",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8720,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if it exists)
//  3. Environment variables: override any setting
//
// Precedence: ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// DEVICE_HOST -> device.host, JOB_HOST_URL -> job_host.url, etc.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first config file found, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envSections maps environment variable prefixes to config sections. Longest
// prefix wins so JOB_HOST_URL resolves to job_host.url rather than a "job"
// section.
var envSections = []struct {
	prefix  string
	section string
}{
	{"JOB_HOST_", "job_host"},
	{"DEVICE_", "device"},
	{"SPOOLMAN_", "spoolman"},
	{"FILAMENT_", "filament"},
	{"ENGINE_", "engine"},
	{"STORE_", "store"},
	{"SERVER_", "server"},
	{"LOG_", "logging"},
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unknown variables are dropped so unrelated environment noise cannot leak
// into the configuration.
//
// Examples:
//   - DEVICE_HOST           -> device.host
//   - JOB_HOST_POLL_INTERVAL -> job_host.poll_interval
//   - ENGINE_POLICY         -> engine.policy
//   - LOG_LEVEL             -> logging.level
func envTransformFunc(key string) string {
	upper := strings.ToUpper(key)
	for _, sec := range envSections {
		if strings.HasPrefix(upper, sec.prefix) {
			rest := strings.ToLower(strings.TrimPrefix(upper, sec.prefix))
			if rest == "" {
				return ""
			}
			return sec.section + "." + rest
		}
	}
	return ""
}
