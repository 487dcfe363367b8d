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

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseFactor parses a percentage string like "75%" into a fraction
// in the open interval (0, 1). Used for the shrink factor tunable.
func ParseFactor(s string) (float64, error) {
	if !strings.HasSuffix(s, "%") {
		return 0, fmt.Errorf("factor %q is not a percentage", s)
	}

	strVal := strings.TrimSuffix(s, "%")
	percent, err := strconv.Atoi(strings.TrimSpace(strVal))
	if err != nil {
		return 0, fmt.Errorf("failed to parse percentage from %q: %w", s, err)
	}

	if percent <= 0 || percent >= 100 {
		return 0, fmt.Errorf("percentage out of range (0, 100): %d", percent)
	}

	return float64(percent) / 100.0, nil
}
