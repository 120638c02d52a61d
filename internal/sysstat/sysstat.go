// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package sysstat reports local filesystem capacity, used by the
// scheduler's pre-flight disk-space check before starting a GET.
package sysstat

import (
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeBytes returns the number of free bytes on the filesystem that would
// hold path (its parent directory, since path itself may not exist yet).
func FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		return 0, errors.Wrap(err, "reading disk usage")
	}
	return usage.Free, nil
}

// HasSpaceFor reports whether the filesystem holding path has at least
// requiredBytes free.
func HasSpaceFor(path string, requiredBytes int64) (bool, error) {
	if requiredBytes <= 0 {
		return true, nil
	}
	free, err := FreeBytes(path)
	if err != nil {
		return false, err
	}
	return free >= uint64(requiredBytes), nil
}
