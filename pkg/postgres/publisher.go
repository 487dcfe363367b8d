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

	"github.com/cloudnative-pg/machinery/pkg/log"
)

// Publisher durably persists max_wal_size changes via ALTER SYSTEM,
// which writes the value to postgresql.auto.conf. The new value takes
// effect only after a configuration reload.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher on the given connection.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// SetMaxWALSize persists the new max_wal_size in megabytes.
func (p *Publisher) SetMaxWALSize(ctx context.Context, sizeMB int64) error {
	if sizeMB < 2 {
		return fmt.Errorf("max_wal_size must be at least 2 MB, got %d", sizeMB)
	}

	// ALTER SYSTEM is a utility statement and takes no bind
	// parameters; the value is a validated integer.
	statement := fmt.Sprintf("ALTER SYSTEM SET max_wal_size = '%dMB'", sizeMB)
	if _, err := p.db.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("failed to persist max_wal_size: %w", err)
	}

	log.FromContext(ctx).Debug("persisted max_wal_size", "sizeMB", sizeMB)
	return nil
}
