// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

//go:build linux || darwin

package ticket

import (
	"os"
	"syscall"
)

// changeTime extracts the inode change time from a unix Stat_t, falling
// back to ModTime if the platform's stat shape is unavailable.
func changeTime(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return ctimeFromStat(st)
	}
	return info.ModTime().Unix()
}

// accessTime extracts the last access time from a unix Stat_t, falling
// back to ModTime if the platform's stat shape is unavailable.
func accessTime(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return atimeFromStat(st)
	}
	return info.ModTime().Unix()
}
