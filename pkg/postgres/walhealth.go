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

package postgres

import (
	"context"
	"database/sql"
	"time"
)

// WALHealth contains WAL archiver health information. Shrinking
// max_wal_size is gated on it, so a smaller WAL ceiling can never mask
// an archive backlog.
type WALHealth struct {
	// ArchiveHealthy indicates WAL archiving is working (or off).
	ArchiveHealthy bool
	// ArchivedCount is the total of successfully archived segments.
	ArchivedCount int64
	// FailedCount is the total of failed archive attempts.
	FailedCount int64
	// LastArchiveSuccess is when the last successful archive occurred.
	LastArchiveSuccess *time.Time
	// LastArchiveFailure is when the last archive failure occurred.
	LastArchiveFailure *time.Time
}

// WALHealthChecker evaluates WAL archiver health from pg_stat_archiver.
type WALHealthChecker struct {
	db *sql.DB
}

// NewWALHealthChecker creates a WALHealthChecker on the given connection.
func NewWALHealthChecker(db *sql.DB) *WALHealthChecker {
	return &WALHealthChecker{db: db}
}

// Check reads the archiver statistics. An idle archiver (nothing
// archived, nothing failed) counts as healthy: archive_mode is off or
// there was simply no WAL to ship yet.
func (h *WALHealthChecker) Check(ctx context.Context) (*WALHealth, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT
			archived_count,
			failed_count,
			last_archived_time,
			last_failed_time
		FROM pg_stat_archiver
	`)

	var lastArchived, lastFailed sql.NullTime
	status := &WALHealth{ArchiveHealthy: true}

	if err := row.Scan(
		&status.ArchivedCount,
		&status.FailedCount,
		&lastArchived,
		&lastFailed,
	); err != nil {
		return nil, err
	}

	if lastArchived.Valid {
		status.LastArchiveSuccess = &lastArchived.Time
	}
	if lastFailed.Valid {
		status.LastArchiveFailure = &lastFailed.Time
		// A failure more recent than the last success means the
		// archiver is stuck.
		if status.LastArchiveSuccess == nil || lastFailed.Time.After(*status.LastArchiveSuccess) {
			status.ArchiveHealthy = false
		}
	}

	return status, nil
}

// ArchiverHealthy is the boolean view of Check used by the control loop.
func (h *WALHealthChecker) ArchiverHealthy(ctx context.Context) (bool, error) {
	status, err := h.Check(ctx)
	if err != nil {
		return false, err
	}
	return status.ArchiveHealthy, nil
}
