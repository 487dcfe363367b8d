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

package sizing

import "fmt"

// Action values for a Recommendation.
const (
	ActionIncrease = "increase"
	ActionDecrease = "decrease"
	ActionNone     = "none"
	ActionError    = "error"
)

// ShrinkSettings groups the shrink-path tunables consumed by the
// sizing calculations.
type ShrinkSettings struct {
	Enabled   bool
	Factor    float64
	Intervals int
	MinSizeMB int64
}

// Observation is the measured input for a recommendation: what the
// caller knows about the current sampling window.
type Observation struct {
	// Enabled reflects the enable tunable.
	Enabled bool
	// StatsAvailable is false when the checkpoint statistics could
	// not be read.
	StatsAvailable bool
	// Primed is true once a baseline checkpoint count exists.
	Primed bool
	// SnapshotCount is the cumulative forced checkpoint counter.
	SnapshotCount int64
	// ForcedInWindow is the delta over the observation window.
	// Only meaningful when Primed is true.
	ForcedInWindow int64
	// QuietIntervals is the number of consecutive windows below the
	// threshold.
	QuietIntervals int
}

// Recommendation is a sizing recommendation with a confidence score,
// computed without applying any change.
type Recommendation struct {
	CurrentSizeMB     int64  `json:"currentSizeMB"`
	RecommendedSizeMB int64  `json:"recommendedSizeMB"`
	Action            string `json:"action"`
	Reason            string `json:"reason"`
	Confidence        int    `json:"confidence"`
}

// Confidence scores the data quality of an observation on a 0-100
// scale: 50 base with valid statistics, plus bonuses for sample volume,
// stable observation periods and an established baseline.
func Confidence(obs Observation) int {
	if !obs.StatsAvailable {
		return 0
	}

	confidence := 50
	if obs.SnapshotCount > 10 {
		confidence += 20
	}
	if obs.QuietIntervals > 0 {
		confidence += 15
	}
	if obs.Primed {
		confidence += 15
	}
	return confidence
}

// Recommend performs the same analysis as the control loop but returns
// the outcome instead of applying it.
func Recommend(
	obs Observation,
	currentMB, ceilingMB, threshold int64,
	shrink ShrinkSettings,
) Recommendation {
	rec := Recommendation{
		CurrentSizeMB:     currentMB,
		RecommendedSizeMB: currentMB,
	}

	if !obs.Enabled {
		rec.Action = ActionError
		rec.Reason = "sizing is disabled"
		return rec
	}

	if !obs.StatsAvailable {
		rec.Action = ActionError
		rec.Reason = "checkpoint statistics unavailable"
		return rec
	}

	rec.Confidence = Confidence(obs)

	if !obs.Primed {
		rec.Action = ActionNone
		rec.Reason = "awaiting baseline checkpoint count"
		if rec.Confidence > 50 {
			rec.Confidence = 50
		}
		return rec
	}

	if obs.ForcedInWindow >= threshold {
		return recommendGrowth(rec, obs, currentMB, ceilingMB, threshold)
	}

	return recommendShrink(rec, obs, currentMB, shrink)
}

func recommendGrowth(
	rec Recommendation,
	obs Observation,
	currentMB, ceilingMB, threshold int64,
) Recommendation {
	decision := Decide(currentMB, ceilingMB, obs.ForcedInWindow, threshold)

	if !decision.Applied {
		rec.Action = ActionNone
		rec.Reason = fmt.Sprintf(
			"already at maximum (%d MB), %d forced checkpoints detected",
			currentMB, obs.ForcedInWindow)
		return rec
	}

	rec.Action = ActionIncrease
	rec.RecommendedSizeMB = decision.NewSizeMB
	if decision.Clamped {
		rec.Reason = fmt.Sprintf(
			"%d forced checkpoints detected, recommend %d MB (capped from %d MB)",
			obs.ForcedInWindow, decision.NewSizeMB, decision.RequestedMB)
	} else {
		rec.Reason = fmt.Sprintf(
			"%d forced checkpoints detected, recommend increase to %d MB",
			obs.ForcedInWindow, decision.NewSizeMB)
	}
	return rec
}

func recommendShrink(
	rec Recommendation,
	obs Observation,
	currentMB int64,
	shrink ShrinkSettings,
) Recommendation {
	rec.Action = ActionNone

	if !shrink.Enabled {
		rec.Reason = fmt.Sprintf(
			"low activity (%d forced checkpoints), shrink disabled",
			obs.ForcedInWindow)
		return rec
	}

	if obs.QuietIntervals < shrink.Intervals {
		rec.Reason = fmt.Sprintf(
			"low activity, %d of %d quiet intervals needed for shrink",
			obs.QuietIntervals, shrink.Intervals)
		return rec
	}

	if currentMB <= shrink.MinSizeMB {
		rec.Reason = fmt.Sprintf(
			"already at minimum (%d MB), %d quiet intervals accumulated",
			currentMB, obs.QuietIntervals)
		return rec
	}

	target := ShrinkTarget(currentMB, shrink.Factor, shrink.MinSizeMB)
	if target >= currentMB {
		rec.Reason = fmt.Sprintf(
			"shrink target (%d MB) not less than current (%d MB)",
			target, currentMB)
		return rec
	}

	rec.Action = ActionDecrease
	rec.RecommendedSizeMB = target
	rec.Reason = fmt.Sprintf(
		"%d quiet intervals, recommend decrease to %d MB",
		obs.QuietIntervals, target)
	return rec
}
