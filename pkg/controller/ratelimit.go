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

package controller

import (
	"sync"
	"time"
)

// ActionTracker tracks published size changes using a one-hour rolling
// window, so a flapping workload cannot rewrite postgresql.auto.conf in
// a tight loop.
type ActionTracker struct {
	mu         sync.Mutex
	timeStamps []time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// NewActionTracker creates a new ActionTracker instance.
func NewActionTracker() *ActionTracker {
	return &ActionTracker{now: time.Now}
}

// cleanExpiredEvents removes timestamps older than one hour.
func (at *ActionTracker) cleanExpiredEvents() {
	cutoffTime := at.now().Add(-time.Hour)

	validTimestamps := make([]time.Time, 0, len(at.timeStamps))
	for _, ts := range at.timeStamps {
		if ts.After(cutoffTime) {
			validTimestamps = append(validTimestamps, ts)
		}
	}

	at.timeStamps = validTimestamps
}

// HasBudget checks if there is remaining budget for a size change.
// Returns true if the number of changes in the last hour is less than
// maxChangesPerHour.
func (at *ActionTracker) HasBudget(maxChangesPerHour int) bool {
	at.mu.Lock()
	defer at.mu.Unlock()

	at.cleanExpiredEvents()
	return len(at.timeStamps) < maxChangesPerHour
}

// RecordChange records a published size change with the current
// timestamp.
func (at *ActionTracker) RecordChange() {
	at.mu.Lock()
	defer at.mu.Unlock()

	at.cleanExpiredEvents()
	at.timeStamps = append(at.timeStamps, at.now())
}

// RemainingBudget returns the number of size changes still available
// within the one-hour window. Returns 0 if the budget is exhausted.
func (at *ActionTracker) RemainingBudget(maxChangesPerHour int) int {
	at.mu.Lock()
	defer at.mu.Unlock()

	at.cleanExpiredEvents()

	remaining := maxChangesPerHour - len(at.timeStamps)
	if remaining < 0 {
		return 0
	}
	return remaining
}
