// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads and validates the effective configuration for a
// brontide process: handshake timing, stream re-key thresholds, logging,
// metrics and the optional audit sink.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for a brontide process.
type Config struct {
	Environment string           `yaml:"environment" json:"environment"`
	Handshake   *HandshakeConfig `yaml:"handshake" json:"handshake"`
	Stream      *StreamConfig    `yaml:"stream" json:"stream"`
	Logging     *LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Audit       *AuditConfig     `yaml:"audit" json:"audit"`
}

// HandshakeConfig holds the handshake wait timeout and the ageing
// settings for a registry of in-flight sessions. Nothing in this module
// reads these values into Session.Wait or the registry; a caller passes
// them on itself (registry.WithIdleTTL, registry.WithCleanupInterval).
type HandshakeConfig struct {
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	PendingTTL      time.Duration `yaml:"pending_ttl" json:"pending_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// StreamConfig holds the re-key thresholds of spec section 6 (defaults
// 10s and 1 GiB). Streams do not read it; a caller passes the values on
// through stream.WithRekeyInterval and stream.WithRekeyHighWaterMark.
type StreamConfig struct {
	RekeyInterval       time.Duration `yaml:"rekey_interval" json:"rekey_interval"`
	RekeyHighWaterMark  uint64        `yaml:"rekey_high_water_mark" json:"rekey_high_water_mark"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents prometheus metrics exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// AuditConfig controls the optional postgres audit sink that records
// completed handshakes and rekeys. Never on the Stream hot path.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	DSN     string `yaml:"dsn" json:"dsn"`
}

// LoadFromFile loads configuration from a file, trying YAML then JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile saves configuration to a file
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Handshake == nil {
		cfg.Handshake = &HandshakeConfig{}
	}
	if cfg.Handshake.Timeout == 0 {
		cfg.Handshake.Timeout = 10 * time.Second
	}
	if cfg.Handshake.PendingTTL == 0 {
		cfg.Handshake.PendingTTL = 60 * time.Second
	}
	if cfg.Handshake.CleanupInterval == 0 {
		cfg.Handshake.CleanupInterval = 30 * time.Second
	}

	if cfg.Stream == nil {
		cfg.Stream = &StreamConfig{}
	}
	if cfg.Stream.RekeyInterval == 0 {
		cfg.Stream.RekeyInterval = 10 * time.Second
	}
	if cfg.Stream.RekeyHighWaterMark == 0 {
		cfg.Stream.RekeyHighWaterMark = 1 << 30 // 1 GiB
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Audit == nil {
		cfg.Audit = &AuditConfig{}
	}
}

// ValidationIssue describes one configuration problem found by
// ValidateConfiguration. Level "error" blocks Load; "warn" does not.
type ValidationIssue struct {
	Field   string
	Message string
	Level   string
}

// ValidateConfiguration checks a loaded Config for invalid combinations.
func ValidateConfiguration(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Handshake != nil && cfg.Handshake.Timeout <= 0 {
		issues = append(issues, ValidationIssue{
			Field:   "handshake.timeout",
			Message: "must be greater than zero",
			Level:   "error",
		})
	}

	if cfg.Stream != nil && cfg.Stream.RekeyInterval <= 0 {
		issues = append(issues, ValidationIssue{
			Field:   "stream.rekey_interval",
			Message: "must be greater than zero",
			Level:   "error",
		})
	}

	if cfg.Audit != nil && cfg.Audit.Enabled && cfg.Audit.DSN == "" {
		issues = append(issues, ValidationIssue{
			Field:   "audit.dsn",
			Message: "dsn is required when audit is enabled",
			Level:   "error",
		})
	}

	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			issues = append(issues, ValidationIssue{
				Field:   "logging.level",
				Message: "unrecognized level, falling back to info",
				Level:   "warn",
			})
		}
	}

	return issues
}
