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

// The pg-walsizer agent adapts the max_wal_size of a PostgreSQL server
// to its observed forced checkpoint rate.
package main

import (
	"os"

	"github.com/cloudnative-pg/pg-walsizer/internal/cmd/walsizer"
)

func main() {
	if err := walsizer.NewCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
