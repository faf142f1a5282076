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

// Package config holds the YAML configuration of the micstream binaries.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Stream   StreamConfig   `yaml:"stream"`
	Power    PowerConfig    `yaml:"power"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Receiver ReceiverConfig `yaml:"receiver"`
}

// StreamConfig describes where and how audio is streamed.
type StreamConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	SampleRate  int           `yaml:"sample_rate"`
	FrameMillis int           `yaml:"frame_ms"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	QoS         bool          `yaml:"qos"`
}

type PowerConfig struct {
	WakeHoldMax time.Duration `yaml:"wake_hold_max"`
}

// NATSConfig configures the host bridge.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type MetricsConfig struct {
	// ListenAddr enables the Prometheus endpoint when set, e.g. ":9102".
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ReceiverConfig configures the test receiver.
type ReceiverConfig struct {
	Listen         string        `yaml:"listen"`
	Output         string        `yaml:"output"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Port:        5002,
			SampleRate:  16000,
			FrameMillis: 20,
			SendTimeout: 20 * time.Millisecond,
			QoS:         true,
		},
		Power: PowerConfig{
			WakeHoldMax: time.Hour,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "micstream",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Receiver: ReceiverConfig{
			Listen:         ":5002",
			Output:         "capture.wav",
			ReportInterval: 5 * time.Second,
		},
	}
}
