// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

// Package config loads and validates the Spoolwatch configuration from
// layered sources: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// AttributionPolicy selects how job-level usage is split across slots.
type AttributionPolicy string

const (
	// PolicyProportional splits the job's reported total length across slots
	// in proportion to each slot's cumulative-length delta.
	PolicyProportional AttributionPolicy = "proportional"
	// PolicyActiveSlot attributes the whole job to the slot selected at job
	// end.
	PolicyActiveSlot AttributionPolicy = "active_slot"
)

// Config is the root configuration shared by all components.
type Config struct {
	Device   DeviceConfig   `koanf:"device"`
	JobHost  JobHostConfig  `koanf:"job_host"`
	Spoolman SpoolmanConfig `koanf:"spoolman"`
	Filament FilamentConfig `koanf:"filament"`
	Engine   EngineConfig   `koanf:"engine"`
	Store    StoreConfig    `koanf:"store"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// DeviceConfig describes the printer-side WebSocket status feed.
type DeviceConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"min=0,max=65535"`

	// StatusInterval is the cadence for re-sending the status request while
	// no fresher request is outstanding.
	StatusInterval time.Duration `koanf:"status_interval"`
	// ReadTimeout triggers a status re-request, not a disconnect.
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// BurstDrainCount and BurstDrainWindow bound the initial unsolicited
	// frame burst discarded right after connect, whichever limit hits first.
	BurstDrainCount  int           `koanf:"burst_drain_count"`
	BurstDrainWindow time.Duration `koanf:"burst_drain_window"`

	// AckWindow is how many frames after the heartbeat probe may carry the
	// handshake ack token.
	AckWindow int `koanf:"ack_window"`

	// ReconnectBase and ReconnectMax bound the exponential backoff between
	// connection attempts.
	ReconnectBase time.Duration `koanf:"reconnect_base"`
	ReconnectMax  time.Duration `koanf:"reconnect_max"`
}

// JobHostConfig describes the print-host job-status HTTP feed.
type JobHostConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url" validate:"omitempty,url"`

	PollInterval time.Duration `koanf:"poll_interval"`
	Timeout      time.Duration `koanf:"timeout"`

	// HistoryInterval is the slow cadence for the global job-history
	// snapshot; HistoryLimit caps the number of rows fetched.
	HistoryInterval time.Duration `koanf:"history_interval"`
	HistoryLimit    int           `koanf:"history_limit" validate:"min=0,max=500"`
}

// SpoolmanConfig describes the external spool-inventory service.
type SpoolmanConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout"`
}

// FilamentConfig holds the mm→g conversion inputs.
type FilamentConfig struct {
	DiameterMM float64            `koanf:"diameter_mm" validate:"gt=0"`
	Densities  map[string]float64 `koanf:"densities"`
}

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	// Policy is the job-level usage split policy.
	Policy AttributionPolicy `koanf:"policy"`
	// Streaming enables the continuous per-delta reporting path instead of
	// job-boundary attribution. Only one path is active per deployment.
	Streaming bool `koanf:"streaming"`
	// NoiseThresholdMM is the minimum per-slot delta that counts as real
	// consumption.
	NoiseThresholdMM float64 `koanf:"noise_threshold_mm" validate:"gte=0"`
	// SaveInterval is the wall-clock window for coalescing persistence
	// writes of the canonical snapshot.
	SaveInterval time.Duration `koanf:"save_interval"`
}

// StoreConfig locates the on-disk state store.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// ServerConfig describes the HTTP API surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig mirrors logging.Config for the koanf layer.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	switch c.Engine.Policy {
	case PolicyProportional, PolicyActiveSlot:
	default:
		return fmt.Errorf("config validation: unknown attribution policy %q", c.Engine.Policy)
	}

	if c.Device.Enabled && c.Device.Host == "" {
		return fmt.Errorf("config validation: device enabled but device.host is empty")
	}
	if c.JobHost.Enabled && c.JobHost.URL == "" {
		return fmt.Errorf("config validation: job host enabled but job_host.url is empty")
	}
	if c.Spoolman.Enabled && c.Spoolman.URL == "" {
		return fmt.Errorf("config validation: spoolman enabled but spoolman.url is empty")
	}
	if c.Device.ReconnectBase <= 0 || c.Device.ReconnectMax < c.Device.ReconnectBase {
		return fmt.Errorf("config validation: reconnect backoff bounds are inverted")
	}

	for mat, d := range c.Filament.Densities {
		if d <= 0 {
			return fmt.Errorf("config validation: density for %s must be positive", mat)
		}
	}

	return nil
}
