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
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/cloudnative-pg/machinery/pkg/log"
	"github.com/mitchellh/go-ps"
)

// SQLNotifier asks the server to reload its configuration through
// pg_reload_conf(). This is the default: it works regardless of where
// the agent runs relative to the server.
type SQLNotifier struct {
	db *sql.DB
}

// NewSQLNotifier creates an SQLNotifier on the given connection.
func NewSQLNotifier(db *sql.DB) *SQLNotifier {
	return &SQLNotifier{db: db}
}

// NotifyReload triggers a server-side configuration reload.
func (n *SQLNotifier) NotifyReload(ctx context.Context) error {
	var ok bool
	row := n.db.QueryRowContext(ctx, `SELECT pg_catalog.pg_reload_conf()`)
	if err := row.Scan(&ok); err != nil {
		return fmt.Errorf("failed to request configuration reload: %w", err)
	}
	if !ok {
		return fmt.Errorf("server refused the configuration reload request")
	}
	return nil
}

// SignalNotifier delivers SIGHUP straight to the postmaster. It only
// works when the agent shares a PID namespace with the server, and is
// meant for deployments where a reload signal should reach both the
// server and the agent (the agent then suppresses its own wake-up).
type SignalNotifier struct {
	// PIDFile is the postmaster.pid path. When empty the postmaster
	// is located by scanning the process table.
	PIDFile string
}

// NewSignalNotifier creates a SignalNotifier.
func NewSignalNotifier(pidFile string) *SignalNotifier {
	return &SignalNotifier{PIDFile: pidFile}
}

// NotifyReload sends SIGHUP to the postmaster.
func (n *SignalNotifier) NotifyReload(ctx context.Context) error {
	pid, err := n.postmasterPID()
	if err != nil {
		return err
	}

	log.FromContext(ctx).Debug("signalling postmaster", "pid", pid)
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to signal postmaster %d: %w", pid, err)
	}
	return nil
}

func (n *SignalNotifier) postmasterPID() (int, error) {
	if n.PIDFile != "" {
		return readPostmasterPIDFile(n.PIDFile)
	}
	return findPostmasterProcess()
}

// readPostmasterPIDFile parses the first line of postmaster.pid.
func readPostmasterPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) // nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("failed to read postmaster pid file: %w", err)
	}

	lines := strings.SplitN(string(data), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, fmt.Errorf("malformed postmaster pid file %q: %w", path, err)
	}
	return pid, nil
}

// findPostmasterProcess locates the postmaster in the process table:
// the postgres process whose parent is not itself postgres.
func findPostmasterProcess() (int, error) {
	processes, err := ps.Processes()
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	byPID := make(map[int]ps.Process, len(processes))
	for _, process := range processes {
		byPID[process.Pid()] = process
	}

	var candidates []int
	for _, process := range processes {
		if process.Executable() != "postgres" {
			continue
		}
		if parent, found := byPID[process.PPid()]; found && parent.Executable() == "postgres" {
			continue
		}
		candidates = append(candidates, process.Pid())
	}

	switch len(candidates) {
	case 0:
		return 0, fmt.Errorf("no postmaster process found")
	case 1:
		return candidates[0], nil
	default:
		return 0, fmt.Errorf("found %d postmaster candidates, set pidFile to disambiguate", len(candidates))
	}
}
