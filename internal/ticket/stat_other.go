// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

//go:build !linux && !darwin

package ticket

import "os"

// changeTime falls back to ModTime on platforms without a unix Stat_t.
func changeTime(info os.FileInfo) int64 {
	return info.ModTime().Unix()
}

// accessTime falls back to ModTime on platforms without a unix Stat_t.
func accessTime(info os.FileInfo) int64 {
	return info.ModTime().Unix()
}
