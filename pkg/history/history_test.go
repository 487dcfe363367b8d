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

package history_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudnative-pg/pg-walsizer/pkg/history"
)

var _ = Describe("Store", func() {
	var (
		db    *sql.DB
		mock  sqlmock.Sqlmock
		ctx   context.Context
		store *history.Store
	)

	BeforeEach(func() {
		var err error
		db, mock, err = sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()
		store = history.NewStore(db, 30)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	Describe("EnsureSchema", func() {
		It("creates the schema, table and index", func() {
			mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS walsizer`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`CREATE TABLE IF NOT EXISTS walsizer.history`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`CREATE INDEX IF NOT EXISTS history_recorded_at_idx`).
				WillReturnResult(sqlmock.NewResult(0, 0))

			Expect(store.EnsureSchema(ctx)).To(Succeed())
		})
	})

	Describe("Record", func() {
		It("inserts the decision", func() {
			mock.ExpectExec(`INSERT INTO walsizer.history`).
				WithArgs("increase", int64(1000), int64(4000), int64(3), 300, "resize").
				WillReturnResult(sqlmock.NewResult(1, 1))

			entry := history.Entry{
				Action:            "increase",
				OldSizeMB:         1000,
				NewSizeMB:         4000,
				ForcedCheckpoints: 3,
				WindowSeconds:     300,
				Reason:            "resize",
			}
			Expect(store.Record(ctx, entry)).To(Succeed())
		})
	})

	Describe("Cleanup", func() {
		It("deletes rows beyond the retention period", func() {
			mock.ExpectExec(`DELETE FROM walsizer.history`).
				WithArgs(30).
				WillReturnResult(sqlmock.NewResult(0, 7))

			deleted, err := store.Cleanup(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(deleted).To(Equal(int64(7)))
		})
	})

	Describe("Recent", func() {
		It("returns rows most recent first", func() {
			now := time.Now()
			mock.ExpectQuery(`FROM walsizer.history`).
				WithArgs(10).
				WillReturnRows(sqlmock.NewRows([]string{
					"recorded_at", "action", "old_size_mb", "new_size_mb",
					"forced_checkpoints", "window_seconds", "reason",
				}).
					AddRow(now, "increase", 1000, 4000, 3, 300, "resize").
					AddRow(now.Add(-time.Hour), "decrease", 4000, 3000, 0, 300, "quiet"))

			rows, err := store.Recent(ctx, 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(rows).To(HaveLen(2))
			Expect(rows[0].Action).To(Equal("increase"))
			Expect(rows[1].NewSizeMB).To(Equal(int64(3000)))
		})
	})

	Describe("ScheduleCleanup", func() {
		It("rejects an invalid schedule", func() {
			_, err := store.ScheduleCleanup(ctx, "not a schedule")
			Expect(err).To(HaveOccurred())
		})

		It("starts and stops with a valid schedule", func() {
			stop, err := store.ScheduleCleanup(ctx, "@hourly")
			Expect(err).ToNot(HaveOccurred())
			stop()
		})
	})
})
