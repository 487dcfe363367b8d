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

// Package disk provides filesystem-level usage probing for the WAL
// device, used to sanity-check the configured ceiling against the
// space actually available.
package disk

import (
	"fmt"
	"syscall"
)

const mebibyte = 1024 * 1024

// VolumeStats contains disk usage statistics for the WAL volume,
// gathered via statfs syscall.
type VolumeStats struct {
	// TotalBytes is the total capacity of the volume in bytes.
	TotalBytes uint64
	// UsedBytes is the number of bytes currently in use.
	UsedBytes uint64
	// AvailableBytes is the number of bytes available for use (non-root).
	AvailableBytes uint64
}

// StatfsFunc is the function signature for statfs system calls.
// This is exposed for testing purposes to allow mocking.
type StatfsFunc func(path string, stat *syscall.Statfs_t) error

func defaultStatfs(path string, stat *syscall.Statfs_t) error {
	return syscall.Statfs(path, stat)
}

// Probe probes a filesystem mount point using statfs.
type Probe struct {
	statfsFunc StatfsFunc
}

// NewProbe creates a new Probe with the default statfs syscall.
func NewProbe() *Probe {
	return &Probe{statfsFunc: defaultStatfs}
}

// NewProbeWithStatfs creates a new Probe with a custom statfs function.
// This is intended for testing.
func NewProbeWithStatfs(fn StatfsFunc) *Probe {
	return &Probe{statfsFunc: fn}
}

// GetVolumeStats probes the filesystem at the given path.
func (p *Probe) GetVolumeStats(mountPath string) (*VolumeStats, error) {
	var stat syscall.Statfs_t
	if err := p.statfsFunc(mountPath, &stat); err != nil {
		return nil, fmt.Errorf("statfs failed for path %s: %w", mountPath, err)
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)

	return &VolumeStats{
		TotalBytes:     totalBytes,
		UsedBytes:      totalBytes - freeBytes,
		AvailableBytes: availableBytes,
	}, nil
}

// CeilingFits reports whether a max_wal_size ceiling in megabytes fits
// on the probed volume. WAL written before a checkpoint completes can
// exceed max_wal_size, so this is a sanity bound, not a guarantee.
func CeilingFits(stats *VolumeStats, ceilingMB int64) bool {
	return uint64(ceilingMB)*mebibyte <= stats.TotalBytes
}
