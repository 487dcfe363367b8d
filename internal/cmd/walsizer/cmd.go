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

// Package walsizer implements the pg-walsizer command line interface.
package walsizer

import (
	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/spf13/cobra"
)

// NewCmd creates the root "pg-walsizer" command
func NewCmd() *cobra.Command {
	logFlags := &log.Flags{}
	var configPath string

	cmd := &cobra.Command{
		Use:          "pg-walsizer",
		Short:        "Adaptive max_wal_size tuning agent for PostgreSQL",
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logFlags.ConfigureLogging()
		},
	}

	logFlags.AddFlags(cmd.PersistentFlags())
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to the configuration file. When empty the defaults apply")

	cmd.AddCommand(newRunCmd(&configPath))
	cmd.AddCommand(newStatusCmd(&configPath))
	cmd.AddCommand(newHistoryCmd(&configPath))
	cmd.AddCommand(newAnalyzeCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
