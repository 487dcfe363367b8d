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
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/cloudnative-pg/machinery/pkg/log"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	connectAttempts = 10
	connectDelay    = time.Second
)

// Connect opens a database/sql handle to the managed server and waits
// for it to become reachable, retrying with backoff. An empty URI
// falls back to the libpq environment variables.
func Connect(ctx context.Context, uri string) (*sql.DB, error) {
	contextLogger := log.FromContext(ctx)

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// The agent runs one short query per sampling window; a single
	// connection is enough.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	err = retry.New(
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.OnRetry(func(attempt uint, err error) {
			contextLogger.Info("database not ready, retrying",
				"attempt", attempt,
				"error", err.Error())
		}),
	).Do(func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database never became reachable: %w", err)
	}

	return db, nil
}
