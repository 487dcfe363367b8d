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

package walsizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cloudnative-pg/pg-walsizer/pkg/config"
	"github.com/cloudnative-pg/pg-walsizer/pkg/postgres"
)

// newColorizer creates an aurora instance with colors enabled only when
// standard output is a terminal.
func newColorizer() *aurora.Aurora {
	return aurora.New(aurora.WithColors(term.IsTerminal(int(os.Stdout.Fd()))))
}

// statusInfo is the full agent-side view of the managed server.
type statusInfo struct {
	ServerVersion       string `json:"serverVersion"`
	CurrentSizeMB       int64  `json:"currentSizeMB"`
	CeilingMB           int64  `json:"ceilingMB"`
	Threshold           int    `json:"threshold"`
	Enabled             bool   `json:"enabled"`
	CheckpointTimeout   string `json:"checkpointTimeout"`
	ForcedCheckpoints   int64  `json:"forcedCheckpoints"`
	ArchiverHealthy     bool   `json:"archiverHealthy"`
	ArchivedCount       int64  `json:"archivedCount"`
	ArchiveFailedCount  int64  `json:"archiveFailedCount"`
}

// newStatusCmd creates the "status" subcommand
func newStatusCmd(configPath *string) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current sizing state of the managed server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			return status(cmd.Context(), *configPath, output)
		},
	}

	statusCmd.Flags().StringP(
		"output", "o", "text", "Output format. One of text|json")

	return statusCmd
}

func status(ctx context.Context, configPath, output string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ceilingMB, err := cfg.CeilingMB()
	if err != nil {
		return err
	}

	db, err := postgres.Connect(ctx, cfg.Connection.URI)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	stats := postgres.NewStatsClient(db)

	version, err := stats.ServerVersion(ctx)
	if err != nil {
		return err
	}
	currentMB, err := stats.CurrentMaxWALSize(ctx)
	if err != nil {
		return err
	}
	timeout, err := stats.CheckpointTimeout(ctx)
	if err != nil {
		return err
	}
	forced, err := stats.ForcedCheckpoints(ctx)
	if err != nil {
		return err
	}
	walHealth, err := postgres.NewWALHealthChecker(db).Check(ctx)
	if err != nil {
		return err
	}

	info := statusInfo{
		ServerVersion:      version.String(),
		CurrentSizeMB:      currentMB,
		CeilingMB:          ceilingMB,
		Threshold:          cfg.Threshold,
		Enabled:            cfg.Enabled,
		CheckpointTimeout:  timeout.String(),
		ForcedCheckpoints:  forced,
		ArchiverHealthy:    walHealth.ArchiveHealthy,
		ArchivedCount:      walHealth.ArchivedCount,
		ArchiveFailedCount: walHealth.FailedCount,
	}

	if output == "json" {
		return printJSON(info)
	}
	printStatusText(info)
	return nil
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func printStatusText(info statusInfo) {
	au := newColorizer()

	fmt.Printf("Server: %s\n", au.Bold("PostgreSQL "+info.ServerVersion))
	if info.Enabled {
		fmt.Printf("Sizing: %s\n\n", au.Green("Enabled"))
	} else {
		fmt.Printf("Sizing: %s\n\n", au.Yellow("Disabled"))
	}

	fmt.Println(au.Bold("WAL Budget:"))
	fmt.Printf("  Current:              %d MB\n", info.CurrentSizeMB)
	fmt.Printf("  Ceiling:              %d MB\n", info.CeilingMB)
	fmt.Printf("  Growth Threshold:     %d forced checkpoints\n", info.Threshold)
	fmt.Printf("  Checkpoint Timeout:   %s\n", info.CheckpointTimeout)
	fmt.Printf("  Forced (cumulative):  %d\n", info.ForcedCheckpoints)
	fmt.Println()

	fmt.Println(au.Bold("WAL Archiver:"))
	if info.ArchiverHealthy {
		fmt.Printf("  State:    %s\n", au.Green("Healthy"))
	} else {
		fmt.Printf("  State:    %s\n", au.Red("Failing"))
	}
	fmt.Printf("  Archived: %d\n", info.ArchivedCount)
	fmt.Printf("  Failed:   %d\n", info.ArchiveFailedCount)
}
