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
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/cloudnative-pg/pg-walsizer/pkg/config"
	"github.com/cloudnative-pg/pg-walsizer/pkg/controller"
	"github.com/cloudnative-pg/pg-walsizer/pkg/disk"
	"github.com/cloudnative-pg/pg-walsizer/pkg/history"
	"github.com/cloudnative-pg/pg-walsizer/pkg/metrics"
	"github.com/cloudnative-pg/pg-walsizer/pkg/postgres"
)

// newRunCmd creates the "run" subcommand
func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sizing agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), *configPath)
		},
	}
}

func runAgent(ctx context.Context, configPath string) (err error) {
	contextLogger := log.FromContext(ctx).WithName("walsizer")
	ctx = log.IntoContext(ctx, contextLogger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	tunables, err := controller.TunablesFromConfig(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.Connection.URI)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()

	options := controller.Options{
		Stats:     postgres.NewStatsClient(db),
		Publisher: postgres.NewPublisher(db),
		Archiver:  postgres.NewWALHealthChecker(db),
		Tunables:  tunables,
		ReloadTunables: func(reloadCtx context.Context) (controller.Tunables, error) {
			fresh, err := config.Load(configPath)
			if err != nil {
				return controller.Tunables{}, err
			}
			tunables, err := controller.TunablesFromConfig(fresh)
			if err != nil {
				return controller.Tunables{}, err
			}
			if fresh.WALDirectory != "" {
				warnOversizedCeiling(reloadCtx, fresh.WALDirectory, tunables.CeilingMB)
			}
			return tunables, nil
		},
	}

	switch cfg.Notifier {
	case config.NotifierSignal:
		options.Notifier = postgres.NewSignalNotifier(cfg.PIDFile)
	default:
		options.Notifier = postgres.NewSQLNotifier(db)
	}

	if cfg.History.Enabled {
		store := history.NewStore(db, cfg.History.RetentionDays)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		stopCleanup, err := store.ScheduleCleanup(ctx, cfg.History.CleanupSchedule)
		if err != nil {
			return err
		}
		defer stopCleanup()
		options.Recorder = store
	}

	if cfg.MetricsAddress != "" {
		agentMetrics := metrics.NewMetrics()
		registry := prometheus.NewRegistry()
		if err := agentMetrics.Register(registry); err != nil {
			return err
		}
		server := metrics.NewServer(cfg.MetricsAddress, registry)
		go func() {
			if err := server.Start(ctx); err != nil {
				contextLogger.Error(err, "metrics exporter failed")
			}
		}()
		options.Metrics = agentMetrics
	}

	if cfg.WALDirectory != "" {
		warnOversizedCeiling(ctx, cfg.WALDirectory, tunables.CeilingMB)
	}

	var wake <-chan struct{}
	wakeListener, err := postgres.NewWakeListener(ctx, cfg.Connection.URI)
	if err != nil {
		// The agent still works at its regular cadence without the
		// LISTEN channel.
		contextLogger.Warning("failed to subscribe to the wake channel",
			"channel", postgres.WakeChannel,
			"error", err.Error())
	} else {
		defer func() {
			err = multierr.Append(err, wakeListener.Close())
		}()
		wakeListener.Start(ctx)
		wake = wakeListener.Wake()
	}

	reload := watchReloadSignal(ctx)

	contextLogger.Info("starting pg-walsizer",
		"enabled", tunables.Enabled,
		"ceilingMB", tunables.CeilingMB,
		"threshold", tunables.Threshold,
		"notifier", cfg.Notifier)

	return controller.NewController(options).Run(ctx, wake, reload)
}

// watchReloadSignal turns SIGHUP into reload requests. Pending requests
// collapse into one.
func watchReloadSignal(ctx context.Context) <-chan struct{} {
	reload := make(chan struct{}, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	return reload
}

func warnOversizedCeiling(ctx context.Context, walDirectory string, ceilingMB int64) {
	contextLogger := log.FromContext(ctx)

	stats, err := disk.NewProbe().GetVolumeStats(walDirectory)
	if err != nil {
		contextLogger.Warning("failed to probe the WAL volume",
			"walDirectory", walDirectory,
			"error", err.Error())
		return
	}

	if !disk.CeilingFits(stats, ceilingMB) {
		contextLogger.Warning("configured ceiling exceeds the WAL volume capacity",
			"ceilingMB", ceilingMB,
			"volumeBytes", stats.TotalBytes)
	}
}
