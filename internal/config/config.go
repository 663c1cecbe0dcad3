/*
 * This file is part of Hearthline (https://github.com/hearthline/fxs-bridge).
 * Copyright (C) 2025 Hearthline Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package config loads and validates the bridge's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Health   HealthConfig   `yaml:"health"`
	Feedback FeedbackConfig `yaml:"feedback"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	DTMF     DTMFConfig     `yaml:"dtmf"`
}

// DeviceConfig selects and parameterizes the telephony backend
type DeviceConfig struct {
	Backend        string        `yaml:"backend"` // "dahdi" or "soundcard"
	DevicePath     string        `yaml:"device_path"`
	ControlPath    string        `yaml:"control_path"`
	Channel        int           `yaml:"channel"`
	BufferSize     int           `yaml:"buffer_size"` // bytes, multiple of 160
	PollInterval   time.Duration `yaml:"poll_interval"`
	RingFallback   time.Duration `yaml:"ring_fallback"`
	EchoCancelTaps int           `yaml:"echo_cancel_taps"`
	CallerIDFormat string        `yaml:"callerid_format"`
	ImpedanceOhms  int           `yaml:"impedance_ohms"`
}

// HealthConfig is the reconnect policy
type HealthConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// FeedbackConfig sizes the playback queue
type FeedbackConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

// NATSConfig wires the event/playback message bus
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// MetricsConfig exposes Prometheus metrics over HTTP
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DTMFConfig tunes digit collection
type DTMFConfig struct {
	InterDigitTimeout time.Duration `yaml:"inter_digit_timeout"`
}

// Default returns a configuration with sensible defaults for a single
// FXS channel
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:        "dahdi",
			DevicePath:     "/dev/dahdi/channel001",
			ControlPath:    "/dev/dahdi/ctl",
			Channel:        1,
			BufferSize:     320, // 20 ms at 8 kHz 16-bit mono
			PollInterval:   100 * time.Millisecond,
			RingFallback:   5 * time.Second,
			EchoCancelTaps: 128,
			CallerIDFormat: "bell",
			ImpedanceOhms:  600,
		},
		Health: HealthConfig{
			BaseDelay:   1 * time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 10,
		},
		Feedback: FeedbackConfig{QueueDepth: 32},
		NATS:     NATSConfig{Enabled: true, URL: "nats://localhost:4222"},
		Metrics:  MetricsConfig{Enabled: true, Address: ":9143"},
		DTMF:     DTMFConfig{InterDigitTimeout: 5 * time.Second},
	}
}

// Load reads and validates a YAML configuration file, applying defaults
// for absent fields
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field invariants
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case "dahdi", "soundcard":
	default:
		return fmt.Errorf("device.backend must be \"dahdi\" or \"soundcard\", got %q", c.Device.Backend)
	}
	if c.Device.DevicePath == "" {
		return fmt.Errorf("device.device_path must not be empty")
	}
	if c.Device.ControlPath == "" {
		return fmt.Errorf("device.control_path must not be empty")
	}
	if c.Device.BufferSize <= 0 || c.Device.BufferSize%160 != 0 {
		return fmt.Errorf("device.buffer_size must be a positive multiple of 160, got %d", c.Device.BufferSize)
	}
	if c.Device.PollInterval <= 0 {
		return fmt.Errorf("device.poll_interval must be positive")
	}
	if c.Health.BaseDelay <= 0 {
		return fmt.Errorf("health.base_delay must be positive")
	}
	if c.Health.MaxDelay < c.Health.BaseDelay {
		return fmt.Errorf("health.max_delay must be >= health.base_delay")
	}
	if c.Health.MaxAttempts < 0 {
		return fmt.Errorf("health.max_attempts must not be negative")
	}
	if c.Feedback.QueueDepth <= 0 {
		return fmt.Errorf("feedback.queue_depth must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url must not be empty when nats is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address must not be empty when metrics are enabled")
	}
	return nil
}
