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

import "math"

// maxSizeMB caps the multiplication result. PostgreSQL stores
// max_wal_size in an int32 number of megabytes, so the candidate
// saturates there instead of wrapping around.
const maxSizeMB = math.MaxInt32

// Decision is the outcome of a sizing evaluation.
type Decision struct {
	// NewSizeMB is the size to publish. Equal to the current size
	// when Applied is false.
	NewSizeMB int64

	// RequestedMB is the raw candidate before ceiling clamping.
	RequestedMB int64

	// Applied is true when NewSizeMB differs from the current size
	// and must be published.
	Applied bool

	// Clamped is true when the raw candidate exceeded the ceiling.
	Clamped bool
}

// Decide computes the new max_wal_size from the forced checkpoint count
// observed in the last sampling window.
//
// Every forced checkpoint in the window means the server wrote enough
// WAL to exhaust the current max_wal_size once, so the candidate is
// current * (forced + 1): linear headroom proportional to how many
// times the budget was exceeded, plus the already-sized budget itself.
// The candidate is clamped at the ceiling.
func Decide(currentMB, ceilingMB, forced, threshold int64) Decision {
	if forced < threshold {
		return Decision{NewSizeMB: currentMB}
	}

	candidate := saturatingMul(currentMB, forced+1)

	decision := Decision{RequestedMB: candidate}
	if candidate > ceilingMB {
		candidate = ceilingMB
		decision.Clamped = true
	}

	// Already at the target: nothing to publish.
	if candidate == currentMB {
		decision.NewSizeMB = currentMB
		return decision
	}

	decision.NewSizeMB = candidate
	decision.Applied = true
	return decision
}

// ShrinkTarget computes the size to shrink to after a sustained quiet
// period: ceil(current * factor), clamped to the configured floor.
func ShrinkTarget(currentMB int64, factor float64, minSizeMB int64) int64 {
	target := int64(math.Ceil(float64(currentMB) * factor))
	if target < minSizeMB {
		return minSizeMB
	}
	return target
}

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	result := a * b
	if result/b != a || result > maxSizeMB {
		return maxSizeMB
	}
	return result
}
