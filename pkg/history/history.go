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

// Package history records sizing decisions in a table on the managed
// server, so operators can audit what the agent changed and why.
// Recording is best-effort: a history failure never aborts a sizing
// cycle.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/robfig/cron"
)

// Entry is one sizing decision.
type Entry struct {
	// Action is "increase" or "decrease".
	Action string
	// OldSizeMB is max_wal_size before the change.
	OldSizeMB int64
	// NewSizeMB is max_wal_size after the change.
	NewSizeMB int64
	// ForcedCheckpoints is the forced checkpoint count in the window.
	ForcedCheckpoints int64
	// WindowSeconds is the sampling window length.
	WindowSeconds int
	// Reason is a human-readable explanation.
	Reason string
}

// Row is a recorded entry with its timestamp.
type Row struct {
	Entry
	RecordedAt time.Time
}

// Store reads and writes the walsizer.history table.
type Store struct {
	db            *sql.DB
	retentionDays int
}

// NewStore creates a Store with the given retention period. A
// retention of zero keeps no history across cleanups.
func NewStore(db *sql.DB, retentionDays int) *Store {
	return &Store{db: db, retentionDays: retentionDays}
}

// EnsureSchema creates the history schema and table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS walsizer`,
		`CREATE TABLE IF NOT EXISTS walsizer.history (
			id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			recorded_at timestamptz NOT NULL DEFAULT now(),
			action text NOT NULL,
			old_size_mb integer NOT NULL,
			new_size_mb integer NOT NULL,
			forced_checkpoints bigint NOT NULL,
			window_seconds integer NOT NULL,
			reason text
		)`,
		`CREATE INDEX IF NOT EXISTS history_recorded_at_idx
			ON walsizer.history (recorded_at)`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to create history schema: %w", err)
		}
	}
	return nil
}

// Record inserts a sizing decision.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO walsizer.history
			(action, old_size_mb, new_size_mb, forced_checkpoints, window_seconds, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Action,
		entry.OldSizeMB,
		entry.NewSizeMB,
		entry.ForcedCheckpoints,
		entry.WindowSeconds,
		entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}
	return nil
}

// Cleanup deletes entries older than the retention period and returns
// the number of deleted rows.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM walsizer.history
		WHERE recorded_at < now() - make_interval(days => $1)`,
		s.retentionDays,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, action, old_size_mb, new_size_mb,
			forced_checkpoints, window_seconds, COALESCE(reason, '')
		FROM walsizer.history
		ORDER BY recorded_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(
			&row.RecordedAt,
			&row.Action,
			&row.OldSizeMB,
			&row.NewSizeMB,
			&row.ForcedCheckpoints,
			&row.WindowSeconds,
			&row.Reason,
		); err != nil {
			return nil, err
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// ScheduleCleanup runs Cleanup on the given cron schedule until the
// returned stop function is called.
func (s *Store) ScheduleCleanup(ctx context.Context, schedule string) (func(), error) {
	contextLogger := log.FromContext(ctx).WithName("history")

	scheduler := cron.New()
	err := scheduler.AddFunc(schedule, func() {
		deleted, err := s.Cleanup(ctx)
		if err != nil {
			contextLogger.Error(err, "scheduled history cleanup failed")
			return
		}
		if deleted > 0 {
			contextLogger.Info("cleaned up history", "deletedRows", deleted)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	scheduler.Start()
	return scheduler.Stop, nil
}
