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
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// The forced checkpoint counter moved from pg_stat_bgwriter to
// pg_stat_checkpointer in PostgreSQL 17.
var firstVersionWithCheckpointer = semver.MustParse("17.0")

const (
	checkpointerQuery = `SELECT num_requested FROM pg_stat_checkpointer`
	bgwriterQuery     = `SELECT checkpoints_req FROM pg_stat_bgwriter`

	settingQuery = `SELECT setting FROM pg_catalog.pg_settings WHERE name = $1`
)

// StatsClient reads checkpoint statistics and the relevant settings
// from the managed server. It is a passive, read-only snapshot
// provider; the counter it exposes is reset only by the server itself.
// Not safe for concurrent use.
type StatsClient struct {
	db *sql.DB

	forcedQuery string
}

// NewStatsClient creates a StatsClient on the given connection.
func NewStatsClient(db *sql.DB) *StatsClient {
	return &StatsClient{db: db}
}

// ServerVersion reads and parses the server version.
func (c *StatsClient) ServerVersion(ctx context.Context) (*semver.Version, error) {
	var raw string
	row := c.db.QueryRowContext(ctx, `SHOW server_version`)
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}

	// The setting may carry a vendor suffix, e.g. "16.4 (Debian 16.4-1)".
	version, err := semver.NewVersion(strings.Fields(raw)[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse server version %q: %w", raw, err)
	}
	return version, nil
}

// ForcedCheckpoints returns the cumulative count of forced (requested)
// checkpoints since the statistics were last reset. The source view is
// selected once based on the server version.
func (c *StatsClient) ForcedCheckpoints(ctx context.Context) (int64, error) {
	if c.forcedQuery == "" {
		version, err := c.ServerVersion(ctx)
		if err != nil {
			// Leave detection for the next cycle to retry.
			return 0, err
		}
		if version.LessThan(firstVersionWithCheckpointer) {
			c.forcedQuery = bgwriterQuery
		} else {
			c.forcedQuery = checkpointerQuery
		}
	}

	var count int64
	if err := c.db.QueryRowContext(ctx, c.forcedQuery).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read forced checkpoint count: %w", err)
	}
	return count, nil
}

// CurrentMaxWALSize returns the live max_wal_size setting in megabytes.
func (c *StatsClient) CurrentMaxWALSize(ctx context.Context) (int64, error) {
	var sizeMB int64
	row := c.db.QueryRowContext(ctx, settingQuery, "max_wal_size")
	if err := row.Scan(&sizeMB); err != nil {
		return 0, fmt.Errorf("failed to read max_wal_size: %w", err)
	}
	return sizeMB, nil
}

// CheckpointTimeout returns the server's checkpoint_timeout, which is
// the natural sampling cadence for forced checkpoint monitoring.
func (c *StatsClient) CheckpointTimeout(ctx context.Context) (time.Duration, error) {
	var seconds int64
	row := c.db.QueryRowContext(ctx, settingQuery, "checkpoint_timeout")
	if err := row.Scan(&seconds); err != nil {
		return 0, fmt.Errorf("failed to read checkpoint_timeout: %w", err)
	}
	return time.Duration(seconds) * time.Second, nil
}
