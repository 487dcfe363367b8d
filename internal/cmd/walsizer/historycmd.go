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
	"fmt"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pg-walsizer/pkg/config"
	"github.com/cloudnative-pg/pg-walsizer/pkg/history"
	"github.com/cloudnative-pg/pg-walsizer/pkg/postgres"
)

// newHistoryCmd creates the "history" subcommand
func newHistoryCmd(configPath *string) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sizing decisions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			return showHistory(cmd.Context(), *configPath, output, limit)
		},
	}

	historyCmd.Flags().StringP(
		"output", "o", "text", "Output format. One of text|json")
	historyCmd.Flags().IntP(
		"limit", "n", 20, "Maximum number of entries to show")

	return historyCmd
}

func showHistory(ctx context.Context, configPath, output string, limit int) error {
	cfg, err := config.Load(configPath)
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

	rows, err := history.NewStore(db, cfg.History.RetentionDays).Recent(ctx, limit)
	if err != nil {
		return err
	}

	if output == "json" {
		return printJSON(rows)
	}
	printHistoryTable(rows)
	return nil
}

func printHistoryTable(rows []history.Row) {
	au := newColorizer()

	if len(rows) == 0 {
		fmt.Println(au.Yellow("No sizing decisions recorded yet"))
		return
	}

	t := tabby.New()
	t.AddHeader("TIME", "ACTION", "FROM", "TO", "CHECKPOINTS", "REASON")

	for _, row := range rows {
		action := row.Action
		switch action {
		case "increase":
			action = au.Green(action).String()
		case "decrease":
			action = au.Cyan(action).String()
		}

		t.AddLine(
			row.RecordedAt.Format(time.RFC3339),
			action,
			fmt.Sprintf("%d MB", row.OldSizeMB),
			fmt.Sprintf("%d MB", row.NewSizeMB),
			row.ForcedCheckpoints,
			row.Reason,
		)
	}

	t.Print()
}
