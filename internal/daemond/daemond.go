// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package daemond implements the daemon's start/stop/status lifecycle
// glue (spec §4.9): PID file management, single-instance enforcement, and
// the signal-driven shutdown of a running instance. Go has no fork(2), so
// "start" re-execs the current binary in detached "run" mode rather than
// forking — the idiomatic substitute.
package daemond

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tapearc/tapearcd/internal/jsonutil"
)

// PIDRecord is the PID file's contents, per spec §3.3.
type PIDRecord struct {
	PID        int    `json:"pid"`
	SocketFile string `json:"socket_file"`
	LogFile    string `json:"log_file"`
}

// ErrAlreadyRunning is returned by Start when a live instance holds the
// PID file.
var ErrAlreadyRunning = errors.New("daemond: instance already running")

// ErrNotRunning is returned by Stop when the PID file is absent or its
// process is already gone.
var ErrNotRunning = errors.New("daemond: no running instance")

// Status reports whether an instance is running, and if so, its record.
func Status(pidFile string) (running bool, rec PIDRecord, err error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, PIDRecord{}, nil
		}
		return false, PIDRecord{}, errors.Wrap(err, "reading PID file")
	}

	if err := jsonutil.Unmarshal(data, &rec); err != nil {
		return false, PIDRecord{}, errors.Wrap(err, "parsing PID file")
	}

	return processAlive(rec.PID), rec, nil
}

// Start checks for an existing live instance, refusing if one holds the
// PID file, then re-execs the current binary with runArgs (expected to be
// something like {"run", "-config", path}) detached into its own session,
// redirecting its stdout/stderr to logFile. It writes the PID file itself
// as soon as the child is started, so Start can report the child's PID
// immediately without a readiness handshake; the child's run mode later
// rewrites the same record via WritePIDFile.
func Start(pidFile, socketFile, logFile string, runArgs []string) error {
	running, _, err := Status(pidFile)
	if err != nil {
		return err
	}
	if running {
		return ErrAlreadyRunning
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving executable path")
	}

	var out *os.File
	if logFile != "" {
		out, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(err, "opening log file for detached process")
		}
	}

	cmd := exec.Command(exe, runArgs...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "starting detached process")
	}

	rec := PIDRecord{PID: cmd.Process.Pid, SocketFile: socketFile, LogFile: logFile}
	if err := writePIDFile(pidFile, rec); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	// The detached child outlives this process; releasing avoids leaving
	// it as a zombie once this process exits without Wait-ing on it.
	return cmd.Process.Release()
}

// Stop reads the PID file, sends SIGTERM, and waits up to timeout for the
// PID file to disappear (removed by the running instance on clean exit).
func Stop(ctx context.Context, pidFile string, timeout time.Duration) error {
	running, rec, err := Status(pidFile)
	if err != nil {
		return err
	}
	if !running {
		return ErrNotRunning
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return errors.Wrap(err, "finding process")
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "signaling process")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return errors.Newf("process %d did not exit within %s", rec.PID, timeout)
}

// WritePIDFile is called by the running daemon itself in "run" mode, so
// every `run` invocation registers a PID file, whether or not it was
// spawned via Start.
func WritePIDFile(pidFile, socketFile, logFile string) error {
	return writePIDFile(pidFile, PIDRecord{PID: os.Getpid(), SocketFile: socketFile, LogFile: logFile})
}

func writePIDFile(pidFile string, rec PIDRecord) error {
	body, err := jsonutil.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding PID record")
	}
	if err := os.WriteFile(pidFile, body, 0644); err != nil {
		return errors.Wrap(err, "writing PID file")
	}
	return nil
}

// RemovePIDFile removes the PID file on exit. An already-absent file is not
// an error; any other removal failure is returned to the caller.
func RemovePIDFile(pidFile string) error {
	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing PID file")
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
