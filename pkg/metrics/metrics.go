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

// Package metrics exposes the agent's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walsizer"

// Metrics contains all the agent's Prometheus metrics.
type Metrics struct {
	// CurrentSizeMB is the live max_wal_size as last observed.
	CurrentSizeMB prometheus.Gauge

	// CeilingMB is the configured ceiling.
	CeilingMB prometheus.Gauge

	// ForcedCheckpoints is the forced checkpoint count observed in
	// the last completed window.
	ForcedCheckpoints prometheus.Gauge

	// QuietIntervals is the current consecutive quiet window count.
	QuietIntervals prometheus.Gauge

	// ResizesTotal counts published size changes by action and result.
	ResizesTotal *prometheus.CounterVec

	// ClampedTotal counts decisions clamped at the ceiling.
	ClampedTotal prometheus.Counter

	// RateLimitedTotal counts decisions blocked by the hourly cap.
	RateLimitedTotal prometheus.Counter

	// CycleErrorsTotal counts sampling cycles abandoned on error.
	CycleErrorsTotal prometheus.Counter
}

// NewMetrics creates the agent metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CurrentSizeMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_size_mb",
			Help:      "Current max_wal_size in megabytes.",
		}),
		CeilingMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ceiling_mb",
			Help:      "Configured max_wal_size ceiling in megabytes.",
		}),
		ForcedCheckpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forced_checkpoints",
			Help:      "Forced checkpoints observed in the last sampling window.",
		}),
		QuietIntervals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quiet_intervals",
			Help:      "Consecutive sampling windows below the growth threshold.",
		}),
		ResizesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resizes_total",
			Help:      "Published max_wal_size changes.",
		}, []string{"action", "result"}),
		ClampedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clamped_total",
			Help:      "Sizing decisions clamped at the configured ceiling.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sizing decisions blocked by the hourly change cap.",
		}),
		CycleErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Sampling cycles abandoned because of an external failure.",
		}),
	}
}

// Register registers all metrics with the provided registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.CurrentSizeMB,
		m.CeilingMB,
		m.ForcedCheckpoints,
		m.QuietIntervals,
		m.ResizesTotal,
		m.ClampedTotal,
		m.RateLimitedTotal,
		m.CycleErrorsTotal,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
