/*
Copyright © contributors to CloudNativePG, established as
CloudNativePG a Series of LF Projects, LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package config loads and validates the agent configuration file.
// The file is YAML; sizes are Kubernetes-style quantities (2Mi, 4Gi)
// and the file is re-read when the agent receives SIGHUP.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/cloudnative-pg/pg-walsizer/pkg/sizing"
)

// Notifier modes.
const (
	NotifierSQL    = "sql"
	NotifierSignal = "signal"
)

const (
	mebibyte = 1024 * 1024

	// minSizeMB mirrors the lower bound PostgreSQL accepts for
	// max_wal_size.
	minSizeMB = 2

	maxThreshold = 1000
)

// ConnectionConfig selects the PostgreSQL server to manage.
type ConnectionConfig struct {
	// URI is a libpq connection string or URI. When empty the usual
	// PG* environment variables apply.
	URI string `yaml:"uri"`
}

// ShrinkConfig holds the shrink-path tunables.
type ShrinkConfig struct {
	Enabled bool `yaml:"enabled"`
	// Factor is a percentage string, e.g. "75%".
	Factor string `yaml:"factor"`
	// Intervals is the number of consecutive quiet windows required
	// before shrinking.
	Intervals int `yaml:"intervals"`
	// MinSize is the shrink floor, e.g. "1Gi".
	MinSize string `yaml:"minSize"`
}

// HistoryConfig controls the decision history table.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RetentionDays int    `yaml:"retentionDays"`
	// CleanupSchedule is a cron expression for retention cleanup.
	CleanupSchedule string `yaml:"cleanupSchedule"`
}

// Config is the full agent configuration.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`

	// Enabled gates all sizing decisions. The loop keeps its cadence
	// while disabled but performs no mutation.
	Enabled bool `yaml:"enabled"`

	// Ceiling is the hard upper bound for max_wal_size, e.g. "4Gi".
	Ceiling string `yaml:"ceiling"`

	// Threshold is the minimum forced checkpoint count per window
	// required to trigger growth.
	Threshold int `yaml:"threshold"`

	// Interval overrides the sampling cadence. Empty or "0" follows
	// the server's checkpoint_timeout.
	Interval string `yaml:"interval"`

	// MaxChangesPerHour caps published changes in a rolling hour.
	MaxChangesPerHour int `yaml:"maxChangesPerHour"`

	Shrink  ShrinkConfig  `yaml:"shrink"`
	History HistoryConfig `yaml:"history"`

	// Notifier selects how the server is asked to reload: "sql"
	// (pg_reload_conf) or "signal" (SIGHUP to the postmaster).
	Notifier string `yaml:"notifier"`

	// PIDFile is the postmaster.pid path for the signal notifier.
	// When empty the postmaster is located via the process table.
	PIDFile string `yaml:"pidFile"`

	// WALDirectory is the local pg_wal mount used for the disk
	// sanity probe. Empty disables the probe.
	WALDirectory string `yaml:"walDirectory"`

	// MetricsAddress is the Prometheus exporter listen address,
	// e.g. ":9187". Empty disables the exporter.
	MetricsAddress string `yaml:"metricsAddress"`
}

// Default returns the configuration defaults, mirroring the bounds and
// defaults of the corresponding server-side tunables.
func Default() *Config {
	return &Config{
		Enabled:           true,
		Ceiling:           "4Gi",
		Threshold:         2,
		MaxChangesPerHour: 4,
		Shrink: ShrinkConfig{
			Enabled:   false,
			Factor:    "75%",
			Intervals: 12,
			MinSize:   "1Gi",
		},
		History: HistoryConfig{
			Enabled:         true,
			RetentionDays:   30,
			CleanupSchedule: "@hourly",
		},
		Notifier: NotifierSQL,
	}
}

// Load reads the configuration file at path on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration bounds.
func (c *Config) Validate() error {
	if _, err := c.CeilingMB(); err != nil {
		return err
	}

	if c.Threshold < 1 || c.Threshold > maxThreshold {
		return fmt.Errorf("threshold must be in [1, %d], got %d", maxThreshold, c.Threshold)
	}

	if _, err := c.SamplingInterval(); err != nil {
		return err
	}

	if c.MaxChangesPerHour < 1 {
		return fmt.Errorf("maxChangesPerHour must be at least 1, got %d", c.MaxChangesPerHour)
	}

	if c.Shrink.Enabled {
		if _, err := sizing.ParseFactor(c.Shrink.Factor); err != nil {
			return fmt.Errorf("invalid shrink factor: %w", err)
		}
		if c.Shrink.Intervals < 1 {
			return fmt.Errorf("shrink intervals must be at least 1, got %d", c.Shrink.Intervals)
		}
		if _, err := c.ShrinkMinSizeMB(); err != nil {
			return err
		}
	}

	if c.History.Enabled && c.History.RetentionDays < 0 {
		return fmt.Errorf("history retention days cannot be negative, got %d", c.History.RetentionDays)
	}

	switch c.Notifier {
	case NotifierSQL, NotifierSignal:
	default:
		return fmt.Errorf("notifier must be %q or %q, got %q", NotifierSQL, NotifierSignal, c.Notifier)
	}

	return nil
}

// CeilingMB returns the ceiling in megabytes.
func (c *Config) CeilingMB() (int64, error) {
	return quantityMB("ceiling", c.Ceiling, minSizeMB)
}

// ShrinkMinSizeMB returns the shrink floor in megabytes.
func (c *Config) ShrinkMinSizeMB() (int64, error) {
	return quantityMB("shrink minSize", c.Shrink.MinSize, minSizeMB)
}

// ShrinkFactor returns the shrink factor as a fraction.
func (c *Config) ShrinkFactor() (float64, error) {
	return sizing.ParseFactor(c.Shrink.Factor)
}

// SamplingInterval returns the configured cadence override, or zero
// when the loop should follow the server's checkpoint_timeout.
func (c *Config) SamplingInterval() (time.Duration, error) {
	if c.Interval == "" || c.Interval == "0" {
		return 0, nil
	}

	interval, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval: %w", err)
	}
	if interval < 0 {
		return 0, fmt.Errorf("interval cannot be negative: %s", c.Interval)
	}
	return interval, nil
}

func quantityMB(name, value string, minimum int64) (int64, error) {
	qty, err := resource.ParseQuantity(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s quantity %q: %w", name, value, err)
	}

	sizeMB := qty.Value() / mebibyte
	if sizeMB < minimum {
		return 0, fmt.Errorf("%s must be at least %dMi, got %q", name, minimum, value)
	}
	return sizeMB, nil
}
