/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
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

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvHost    = "MICSTREAM_HOST"
	EnvNATSURL = "MICSTREAM_NATS_URL"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Load reads the YAML configuration file at path on top of Default, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Fields missing from r keep their default values.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from non-empty environment variables, read
// through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvHost); ok && v != "" {
		cfg.Stream.Host = v
	}
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		cfg.NATS.URL = v
		cfg.NATS.Enabled = true
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// An empty stream.host is allowed: a session can be started later.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Stream.Port <= 0 || cfg.Stream.Port > 65535 {
		errs = append(errs, fmt.Errorf("stream.port %d is out of range [1, 65535]", cfg.Stream.Port))
	}
	if cfg.Stream.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("stream.sample_rate %d must be positive", cfg.Stream.SampleRate))
	}
	if cfg.Stream.FrameMillis <= 0 || cfg.Stream.FrameMillis > 1000 {
		errs = append(errs, fmt.Errorf("stream.frame_ms %d is out of range [1, 1000]", cfg.Stream.FrameMillis))
	} else if cfg.Stream.SampleRate > 0 && cfg.Stream.SampleRate*cfg.Stream.FrameMillis < 1000 {
		errs = append(errs, fmt.Errorf("stream.frame_ms %d holds no samples at %d Hz", cfg.Stream.FrameMillis, cfg.Stream.SampleRate))
	}
	if cfg.Stream.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("stream.send_timeout %s must not be negative", cfg.Stream.SendTimeout))
	}

	if cfg.Power.WakeHoldMax <= 0 {
		errs = append(errs, fmt.Errorf("power.wake_hold_max %s must be positive", cfg.Power.WakeHoldMax))
	}

	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats.enabled is set"))
	}

	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}

	if cfg.Receiver.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("receiver.report_interval %s must be positive", cfg.Receiver.ReportInterval))
	}

	return errors.Join(errs...)
}
