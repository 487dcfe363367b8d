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

// Package controller implements the sampling loop that adapts
// max_wal_size to the observed forced checkpoint rate.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"go.uber.org/atomic"

	"github.com/cloudnative-pg/pg-walsizer/pkg/history"
	"github.com/cloudnative-pg/pg-walsizer/pkg/metrics"
	"github.com/cloudnative-pg/pg-walsizer/pkg/sizing"
)

// fallbackInterval is used when no cadence is configured and the
// server's checkpoint_timeout cannot be read. It matches the server
// default for checkpoint_timeout.
const fallbackInterval = 5 * time.Minute

// History actions.
const (
	ActionIncrease = "increase"
	ActionDecrease = "decrease"
)

// StatsSource provides checkpoint statistics and the relevant settings.
type StatsSource interface {
	ForcedCheckpoints(ctx context.Context) (int64, error)
	CurrentMaxWALSize(ctx context.Context) (int64, error)
	CheckpointTimeout(ctx context.Context) (time.Duration, error)
}

// Publisher durably persists a new max_wal_size.
type Publisher interface {
	SetMaxWALSize(ctx context.Context, sizeMB int64) error
}

// Notifier asks the server to reload its configuration so a persisted
// size takes effect.
type Notifier interface {
	NotifyReload(ctx context.Context) error
}

// ArchiverHealth reports whether WAL archiving is keeping up. Shrinking
// is gated on it.
type ArchiverHealth interface {
	ArchiverHealthy(ctx context.Context) (bool, error)
}

// Recorder persists sizing decisions for auditing.
type Recorder interface {
	Record(ctx context.Context, entry history.Entry) error
}

// Tunables are the runtime-adjustable knobs of the loop. They are
// replaced wholesale on reload.
type Tunables struct {
	// Enabled gates all decisions. The loop keeps sampling while
	// disabled but never mutates anything.
	Enabled bool

	// CeilingMB is the hard upper bound for max_wal_size.
	CeilingMB int64

	// Threshold is the minimum forced checkpoint count per window
	// required to trigger growth.
	Threshold int64

	// Interval overrides the sampling cadence. Zero follows the
	// server's checkpoint_timeout.
	Interval time.Duration

	// MaxChangesPerHour caps published changes in a rolling hour.
	MaxChangesPerHour int

	// ShrinkEnabled turns on the quiet-period shrink path.
	ShrinkEnabled bool

	// ShrinkFactor is the fraction of the current size to shrink to.
	ShrinkFactor float64

	// ShrinkIntervals is the number of consecutive windows below the
	// growth threshold required before shrinking.
	ShrinkIntervals int

	// ShrinkMinSizeMB is the shrink floor.
	ShrinkMinSizeMB int64
}

// Options groups the collaborators of a Controller. Archiver, Recorder,
// Metrics and ReloadTunables are optional.
type Options struct {
	Stats     StatsSource
	Publisher Publisher
	Notifier  Notifier
	Archiver  ArchiverHealth
	Recorder  Recorder
	Metrics   *metrics.Metrics
	Tunables  Tunables

	// ReloadTunables re-reads the configuration on an external reload
	// request.
	ReloadTunables func(ctx context.Context) (Tunables, error)
}

// Controller runs the sampling loop. It observes the forced checkpoint
// counter at a fixed cadence, decides a new max_wal_size from the
// per-window delta, persists it and asks the server to reload.
//
// The loop starts unprimed: the first observation only establishes the
// baseline counter value, because the counter is cumulative and the
// agent cannot know how much of it predates its own start.
type Controller struct {
	stats     StatsSource
	publisher Publisher
	notifier  Notifier
	archiver  ArchiverHealth
	recorder  Recorder
	metrics   *metrics.Metrics
	limiter   *ActionTracker

	tunables       Tunables
	reloadTunables func(ctx context.Context) (Tunables, error)

	// suppressed is armed right before the agent requests a reload, so
	// the wake-up caused by its own request is consumed instead of
	// starting a fresh cycle against a half-settled window.
	suppressed atomic.Bool

	primed         bool
	prevCount      int64
	quietIntervals int
	lastInterval   time.Duration
}

// NewController creates a Controller.
func NewController(options Options) *Controller {
	return &Controller{
		stats:          options.Stats,
		publisher:      options.Publisher,
		notifier:       options.Notifier,
		archiver:       options.Archiver,
		recorder:       options.Recorder,
		metrics:        options.Metrics,
		limiter:        NewActionTracker(),
		tunables:       options.Tunables,
		reloadTunables: options.ReloadTunables,
	}
}

// Run executes the loop until the context is cancelled. A value on wake
// forces an immediate evaluation; a value on reload re-reads the
// configuration. Both channels may be nil.
func (c *Controller) Run(ctx context.Context, wake <-chan struct{}, reload <-chan struct{}) error {
	contextLogger := log.FromContext(ctx).WithName("controller")
	ctx = log.IntoContext(ctx, contextLogger)

	if c.metrics != nil {
		c.metrics.CeilingMB.Set(float64(c.tunables.CeilingMB))
	}

	for {
		interval := c.effectiveInterval(ctx)
		c.lastInterval = interval
		timer := time.NewTimer(interval)

		reloadRequested := false
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-wake:
			timer.Stop()
		case <-reload:
			timer.Stop()
			reloadRequested = true
		}

		// A single suppression is consumed by the very next wake-up,
		// whatever its cause: when the agent shares a process group
		// with the postmaster its own reload request comes back as a
		// reload signal rather than a timer tick.
		if c.suppressed.CompareAndSwap(true, false) {
			contextLogger.Debug("ignoring self-triggered wake-up")
			continue
		}

		if reloadRequested {
			c.handleReload(ctx)
			continue
		}

		if !c.tunables.Enabled {
			contextLogger.Debug("sizing disabled, skipping evaluation")
			continue
		}

		if err := c.cycle(ctx); err != nil {
			contextLogger.Error(err, "sampling cycle failed, will retry next window")
			if c.metrics != nil {
				c.metrics.CycleErrorsTotal.Inc()
			}
		}
	}
}

func (c *Controller) handleReload(ctx context.Context) {
	contextLogger := log.FromContext(ctx)

	if c.reloadTunables == nil {
		return
	}

	tunables, err := c.reloadTunables(ctx)
	if err != nil {
		contextLogger.Error(err, "failed to reload configuration, keeping previous values")
		return
	}

	c.tunables = tunables
	if c.metrics != nil {
		c.metrics.CeilingMB.Set(float64(tunables.CeilingMB))
	}
	contextLogger.Info("configuration reloaded",
		"enabled", tunables.Enabled,
		"ceilingMB", tunables.CeilingMB,
		"threshold", tunables.Threshold)
}

// cycle performs one sampling window evaluation. On error the baseline
// counter is left untouched, so the missed window's activity is folded
// into the next delta instead of being lost.
func (c *Controller) cycle(ctx context.Context) error {
	contextLogger := log.FromContext(ctx)

	count, err := c.stats.ForcedCheckpoints(ctx)
	if err != nil {
		return err
	}

	if !c.primed {
		c.prevCount = count
		c.primed = true
		contextLogger.Debug("primed checkpoint baseline", "count", count)
		return nil
	}

	forced := count - c.prevCount
	if forced < 0 {
		// The statistics were reset underneath us.
		contextLogger.Info("checkpoint statistics went backwards, re-priming",
			"previous", c.prevCount, "current", count)
		c.prevCount = count
		return nil
	}

	currentMB, err := c.stats.CurrentMaxWALSize(ctx)
	if err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.CurrentSizeMB.Set(float64(currentMB))
		c.metrics.ForcedCheckpoints.Set(float64(forced))
	}

	decision := sizing.Decide(currentMB, c.tunables.CeilingMB, forced, c.tunables.Threshold)
	if decision.Clamped {
		contextLogger.Warning("sizing decision clamped at ceiling",
			"requestedMB", decision.RequestedMB,
			"ceilingMB", c.tunables.CeilingMB)
		if c.metrics != nil {
			c.metrics.ClampedTotal.Inc()
		}
	}

	if decision.Applied {
		return c.grow(ctx, currentMB, decision.NewSizeMB, forced, count)
	}

	// The window is settled whether it was quiet or just below the
	// growth threshold.
	c.prevCount = count

	if forced < c.tunables.Threshold {
		c.quietIntervals++
	} else {
		c.quietIntervals = 0
	}
	if c.metrics != nil {
		c.metrics.QuietIntervals.Set(float64(c.quietIntervals))
	}

	return c.maybeShrink(ctx, currentMB)
}

func (c *Controller) grow(ctx context.Context, currentMB, newSizeMB, forced, count int64) error {
	contextLogger := log.FromContext(ctx)

	if !c.limiter.HasBudget(c.tunables.MaxChangesPerHour) {
		contextLogger.Info("hourly change budget exhausted, deferring growth",
			"currentMB", currentMB,
			"targetMB", newSizeMB)
		if c.metrics != nil {
			c.metrics.RateLimitedTotal.Inc()
		}
		// The window itself is settled; only the change is deferred.
		c.prevCount = count
		c.quietIntervals = 0
		return nil
	}

	if err := c.publish(ctx, ActionIncrease, currentMB, newSizeMB, forced); err != nil {
		if c.metrics != nil {
			c.metrics.ResizesTotal.WithLabelValues(ActionIncrease, "error").Inc()
		}
		return err
	}

	if c.metrics != nil {
		c.metrics.ResizesTotal.WithLabelValues(ActionIncrease, "ok").Inc()
		c.metrics.CurrentSizeMB.Set(float64(newSizeMB))
	}
	c.prevCount = count
	c.quietIntervals = 0

	contextLogger.Info("increased max_wal_size",
		"oldSizeMB", currentMB,
		"newSizeMB", newSizeMB,
		"forcedCheckpoints", forced)
	return nil
}

func (c *Controller) maybeShrink(ctx context.Context, currentMB int64) error {
	contextLogger := log.FromContext(ctx)

	if !c.tunables.ShrinkEnabled || c.quietIntervals < c.tunables.ShrinkIntervals {
		return nil
	}

	target := sizing.ShrinkTarget(currentMB, c.tunables.ShrinkFactor, c.tunables.ShrinkMinSizeMB)
	if target >= currentMB {
		// Already at the floor; stop counting until activity resumes.
		c.quietIntervals = 0
		return nil
	}

	if !c.limiter.HasBudget(c.tunables.MaxChangesPerHour) {
		contextLogger.Info("hourly change budget exhausted, deferring shrink",
			"currentMB", currentMB,
			"targetMB", target)
		if c.metrics != nil {
			c.metrics.RateLimitedTotal.Inc()
		}
		return nil
	}

	if c.archiver != nil {
		healthy, err := c.archiver.ArchiverHealthy(ctx)
		if err != nil {
			return err
		}
		if !healthy {
			// A smaller budget forces checkpoints sooner and would
			// pile more segments onto a stuck archiver.
			contextLogger.Info("WAL archiver unhealthy, deferring shrink",
				"currentMB", currentMB,
				"targetMB", target)
			return nil
		}
	}

	if err := c.publish(ctx, ActionDecrease, currentMB, target, 0); err != nil {
		if c.metrics != nil {
			c.metrics.ResizesTotal.WithLabelValues(ActionDecrease, "error").Inc()
		}
		return err
	}

	if c.metrics != nil {
		c.metrics.ResizesTotal.WithLabelValues(ActionDecrease, "ok").Inc()
		c.metrics.CurrentSizeMB.Set(float64(target))
	}
	c.quietIntervals = 0

	contextLogger.Info("decreased max_wal_size after sustained quiet period",
		"oldSizeMB", currentMB,
		"newSizeMB", target)
	return nil
}

// publish persists the new size, arms the suppression flag and requests
// a reload. A failed reload request leaves the suppression armed: the
// size is already durable and takes effect on whatever reload comes
// next.
func (c *Controller) publish(ctx context.Context, action string, oldSizeMB, newSizeMB, forced int64) error {
	contextLogger := log.FromContext(ctx)

	if err := c.publisher.SetMaxWALSize(ctx, newSizeMB); err != nil {
		return err
	}

	c.limiter.RecordChange()

	if c.recorder != nil {
		entry := history.Entry{
			Action:            action,
			OldSizeMB:         oldSizeMB,
			NewSizeMB:         newSizeMB,
			ForcedCheckpoints: forced,
			WindowSeconds:     int(c.lastInterval.Seconds()),
			Reason:            reasonFor(action, forced),
		}
		if err := c.recorder.Record(ctx, entry); err != nil {
			contextLogger.Error(err, "failed to record sizing decision")
		}
	}

	c.suppressed.Store(true)
	if err := c.notifier.NotifyReload(ctx); err != nil {
		contextLogger.Error(err, "failed to request configuration reload",
			"newSizeMB", newSizeMB)
	}
	return nil
}

func reasonFor(action string, forced int64) string {
	if action == ActionDecrease {
		return "sustained quiet period"
	}
	if forced == 1 {
		return "1 forced checkpoint in window"
	}
	return fmt.Sprintf("%d forced checkpoints in window", forced)
}

// effectiveInterval resolves the sampling cadence for the next window.
func (c *Controller) effectiveInterval(ctx context.Context) time.Duration {
	if c.tunables.Interval > 0 {
		return c.tunables.Interval
	}

	timeout, err := c.stats.CheckpointTimeout(ctx)
	if err != nil {
		log.FromContext(ctx).Warning("failed to read checkpoint_timeout, using fallback cadence",
			"fallback", fallbackInterval,
			"error", err.Error())
		return fallbackInterval
	}
	return timeout
}
