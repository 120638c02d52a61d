// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

//go:build darwin

package ticket

import "syscall"

func ctimeFromStat(st *syscall.Stat_t) int64 {
	return st.Ctimespec.Sec
}

func atimeFromStat(st *syscall.Stat_t) int64 {
	return st.Atimespec.Sec
}
