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
	"github.com/cloudnative-pg/pg-walsizer/pkg/config"
)

// TunablesFromConfig converts a validated configuration into loop
// tunables.
func TunablesFromConfig(cfg *config.Config) (Tunables, error) {
	ceilingMB, err := cfg.CeilingMB()
	if err != nil {
		return Tunables{}, err
	}

	interval, err := cfg.SamplingInterval()
	if err != nil {
		return Tunables{}, err
	}

	tunables := Tunables{
		Enabled:           cfg.Enabled,
		CeilingMB:         ceilingMB,
		Threshold:         int64(cfg.Threshold),
		Interval:          interval,
		MaxChangesPerHour: cfg.MaxChangesPerHour,
	}

	if cfg.Shrink.Enabled {
		factor, err := cfg.ShrinkFactor()
		if err != nil {
			return Tunables{}, err
		}
		minSizeMB, err := cfg.ShrinkMinSizeMB()
		if err != nil {
			return Tunables{}, err
		}

		tunables.ShrinkEnabled = true
		tunables.ShrinkFactor = factor
		tunables.ShrinkIntervals = cfg.Shrink.Intervals
		tunables.ShrinkMinSizeMB = minSizeMB
	}

	return tunables, nil
}
