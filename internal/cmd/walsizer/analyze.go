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
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/spf13/cobra"

	"github.com/cloudnative-pg/pg-walsizer/pkg/config"
	"github.com/cloudnative-pg/pg-walsizer/pkg/postgres"
	"github.com/cloudnative-pg/pg-walsizer/pkg/sizing"
)

// newAnalyzeCmd creates the "analyze" subcommand
func newAnalyzeCmd(configPath *string) *cobra.Command {
	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Observe one window and print a sizing recommendation",
		Long: "Samples the forced checkpoint counter twice over the observation " +
			"window and prints what the agent would do, without changing anything " +
			"unless --apply is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			output, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			window, err := cmd.Flags().GetDuration("window")
			if err != nil {
				return err
			}
			apply, err := cmd.Flags().GetBool("apply")
			if err != nil {
				return err
			}
			return analyze(cmd.Context(), *configPath, output, window, apply)
		},
	}

	analyzeCmd.Flags().StringP(
		"output", "o", "text", "Output format. One of text|json")
	analyzeCmd.Flags().Duration(
		"window", 5*time.Minute, "Observation window length")
	analyzeCmd.Flags().Bool(
		"apply", false, "Apply the recommendation instead of only printing it")

	return analyzeCmd
}

func analyze(ctx context.Context, configPath, output string, window time.Duration, apply bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ceilingMB, err := cfg.CeilingMB()
	if err != nil {
		return err
	}

	shrink := sizing.ShrinkSettings{}
	if cfg.Shrink.Enabled {
		factor, err := cfg.ShrinkFactor()
		if err != nil {
			return err
		}
		minSizeMB, err := cfg.ShrinkMinSizeMB()
		if err != nil {
			return err
		}
		shrink = sizing.ShrinkSettings{
			Enabled:   true,
			Factor:    factor,
			Intervals: cfg.Shrink.Intervals,
			MinSizeMB: minSizeMB,
		}
	}

	db, err := postgres.Connect(ctx, cfg.Connection.URI)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	stats := postgres.NewStatsClient(db)

	baseline, err := stats.ForcedCheckpoints(ctx)
	if err != nil {
		return err
	}

	log.FromContext(ctx).Info("observing checkpoint activity", "window", window)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(window):
	}

	count, err := stats.ForcedCheckpoints(ctx)
	if err != nil {
		return err
	}
	currentMB, err := stats.CurrentMaxWALSize(ctx)
	if err != nil {
		return err
	}

	forced := count - baseline
	if forced < 0 {
		// Statistics reset mid-window.
		forced = 0
	}

	obs := sizing.Observation{
		Enabled:        cfg.Enabled,
		StatsAvailable: true,
		Primed:         true,
		SnapshotCount:  count,
		ForcedInWindow: forced,
	}
	if forced == 0 {
		// A single observed quiet window is all an on-demand analysis
		// can attest to.
		obs.QuietIntervals = 1
	}

	rec := sizing.Recommend(obs, currentMB, ceilingMB, int64(cfg.Threshold), shrink)

	if output == "json" {
		if err := printJSON(rec); err != nil {
			return err
		}
	} else {
		printRecommendation(rec)
	}

	if apply {
		return applyRecommendation(ctx, cfg, db, rec)
	}
	return nil
}

func printRecommendation(rec sizing.Recommendation) {
	au := newColorizer()

	action := rec.Action
	switch action {
	case sizing.ActionIncrease:
		action = au.Green(action).String()
	case sizing.ActionDecrease:
		action = au.Cyan(action).String()
	case sizing.ActionError:
		action = au.Red(action).String()
	}

	fmt.Println(au.Bold("Recommendation:"))
	fmt.Printf("  Action:      %s\n", action)
	fmt.Printf("  Current:     %d MB\n", rec.CurrentSizeMB)
	fmt.Printf("  Recommended: %d MB\n", rec.RecommendedSizeMB)
	fmt.Printf("  Confidence:  %d%%\n", rec.Confidence)
	fmt.Printf("  Reason:      %s\n", rec.Reason)
}

func applyRecommendation(
	ctx context.Context,
	cfg *config.Config,
	db *sql.DB,
	rec sizing.Recommendation,
) error {
	if rec.Action != sizing.ActionIncrease && rec.Action != sizing.ActionDecrease {
		fmt.Println("Nothing to apply")
		return nil
	}

	if err := postgres.NewPublisher(db).SetMaxWALSize(ctx, rec.RecommendedSizeMB); err != nil {
		return err
	}

	var notifier interface {
		NotifyReload(context.Context) error
	}
	switch cfg.Notifier {
	case config.NotifierSignal:
		notifier = postgres.NewSignalNotifier(cfg.PIDFile)
	default:
		notifier = postgres.NewSQLNotifier(db)
	}

	if err := notifier.NotifyReload(ctx); err != nil {
		return err
	}

	fmt.Printf("Applied: max_wal_size = %d MB\n", rec.RecommendedSizeMB)
	return nil
}
