// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package scheduler implements the daemon's tick loop (spec §4.5): one
// cron-driven entry that advances every active ticket, runs housekeeping
// when due, and detects idle shutdown.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/tapearc/tapearcd/internal/archive"
	"github.com/tapearc/tapearcd/internal/housekeeping"
	"github.com/tapearc/tapearcd/internal/store"
	"github.com/tapearc/tapearcd/internal/sysstat"
	"github.com/tapearc/tapearcd/internal/ticket"
)

// Config parameterizes a Scheduler, mirroring the relevant fields of the
// daemon's loaded configuration.
type Config struct {
	TickInterval         time.Duration
	HousekeepingInterval time.Duration
	StopTimeout          time.Duration // 0 disables idle shutdown
	SessionTimeout       time.Duration
}

// Scheduler drives the daemon's tick loop using a single robfig/cron
// "@every" entry, guarded against overlap so a slow tick never runs
// concurrently with the next one.
type Scheduler struct {
	store *store.Store
	arc   archive.Archive
	hk    *housekeeping.Housekeeper
	cfg   Config
	cron  *cron.Cron

	logger *slog.Logger

	runMu   sync.Mutex
	running bool

	active           atomic.Bool
	heartbeatUnix    atomic.Int64
	lastHousekeeping atomic.Int64

	doneOnce sync.Once
	done     chan struct{}
}

// New constructs a Scheduler. hk may be nil to disable housekeeping
// entirely (not a spec scenario, but useful in tests).
func New(st *store.Store, arc archive.Archive, hk *housekeeping.Housekeeper, cfg Config, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		store:  st,
		arc:    arc,
		hk:     hk,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.active.Store(true)
	s.Touch()
	return s
}

// Touch refreshes the idle-shutdown heartbeat; the dispatcher calls this
// on every request it serves, per spec §4.3.
func (s *Scheduler) Touch() {
	s.heartbeatUnix.Store(time.Now().Unix())
}

// Running reports whether the scheduler's active flag is still set.
func (s *Scheduler) Running() bool {
	return s.active.Load()
}

// Done is closed once the idle-shutdown condition fires.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Start begins the cron-driven tick loop.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))))
	spec := fmt.Sprintf("@every %ds", int(s.cfg.TickInterval.Seconds()))
	if _, err := c.AddFunc(spec, func() { s.tick(context.Background()) }); err != nil {
		return errors.Wrap(err, "registering tick cron entry")
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval)
	return nil
}

// Stop clears the active flag and waits (up to ctx's deadline) for any
// in-flight tick to finish, per spec §5's cancellation policy: the
// current transfer is allowed to finish, no new attempt begins.
func (s *Scheduler) Stop(ctx context.Context) {
	s.active.Store(false)
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for in-flight tick")
	}
}

// tick is the cron entry point; it is skipped outright if a previous tick
// is still executing, since tick_interval can legitimately be shorter
// than one iteration's housekeeping pass.
func (s *Scheduler) tick(ctx context.Context) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	now := time.Now()

	if s.hk != nil && s.cfg.HousekeepingInterval > 0 {
		last := time.Unix(s.lastHousekeeping.Load(), 0)
		if now.Sub(last) > s.cfg.HousekeepingInterval {
			if err := s.hk.Run(ctx, now); err != nil {
				s.logger.Error("housekeeping failed", "error", err)
			}
			s.lastHousekeeping.Store(now.Unix())
		}
	}

	for _, id := range s.store.ActiveSnapshot() {
		if !s.active.Load() {
			break
		}
		tk, ok := s.store.Get(id)
		if !ok {
			continue
		}
		switch tk.Status {
		case ticket.Waiting, ticket.Retry, ticket.Unmig:
		default:
			continue
		}

		if tk.Mode == ticket.Get {
			s.tickDownload(ctx, tk)
		} else {
			s.tickUpload(ctx, tk)
		}
	}

	if s.cfg.StopTimeout > 0 && len(s.store.ActiveSnapshot()) == 0 {
		idleFor := now.Sub(time.Unix(s.heartbeatUnix.Load(), 0))
		if idleFor > s.cfg.StopTimeout {
			s.active.Store(false)
			s.doneOnce.Do(func() { close(s.done) })
		}
	}
}

// tickDownload implements spec §4.5's _tick_download.
func (s *Scheduler) tickDownload(ctx context.Context, tk *ticket.Ticket) {
	s.Touch()
	defer s.Touch()

	if tk.RemoteSize > 0 {
		if ok, err := sysstat.HasSpaceFor(tk.LocalFile, tk.RemoteSize); err == nil && !ok {
			tk.Status = ticket.Error
			tk.ErrMsg = "disk full on GET"
			s.persist(tk)
			return
		}
	}

	tk.Status = ticket.Getting
	if !s.persist(tk) {
		return
	}

	sess, err := s.arc.AcquireSession(ctx, s.cfg.SessionTimeout)
	if err != nil {
		s.applyRetry(tk, err)
		s.persist(tk)
		return
	}
	defer sess.Release()

	err = s.arc.Get(ctx, sess, tk)
	switch {
	case err == nil:
		if err := s.verifyChecksum(ctx, sess, tk); err != nil {
			s.classifyChecksumFailure(tk, err)
		} else {
			tk.Status = ticket.Done
		}
	case errors.Is(err, archive.ErrDMFRuleFailed):
		tk.Status = ticket.Unmig
	case errors.Is(err, archive.ErrTransient):
		s.applyRetry(tk, err)
	default:
		tk.Status = ticket.Error
		tk.ErrMsg = fmt.Sprintf("%+v", err)
	}
	s.persist(tk)
}

// verifyChecksum hashes tk's local file and asks the archive to reconcile
// it against whatever checksum it has on record for tk.RemoteFile, per
// spec §3.1: a ticket reaches DONE only after checksum reconciliation has
// succeeded, whenever the archive has a remote checksum to reconcile
// against.
func (s *Scheduler) verifyChecksum(ctx context.Context, sess archive.Session, tk *ticket.Ticket) error {
	if err := tk.ComputeChecksum(); err != nil {
		return errors.Wrap(err, "computing checksum for reconciliation")
	}
	return s.arc.Checksum(ctx, sess, tk.RemoteFile, tk.Checksum)
}

// classifyChecksumFailure applies the same transient/terminal split as the
// transfer itself to a checksum-reconciliation failure: a mismatch may be
// the product of a corrupted read rather than a corrupted remote object, so
// it consumes a retry rather than failing the ticket outright; only once
// the retry budget is exhausted does it become a terminal ERROR.
func (s *Scheduler) classifyChecksumFailure(tk *ticket.Ticket, err error) {
	switch {
	case errors.Is(err, archive.ErrChecksumMismatch), errors.Is(err, archive.ErrTransient):
		s.applyRetry(tk, err)
	default:
		tk.Status = ticket.Error
		tk.ErrMsg = fmt.Sprintf("%+v", err)
	}
}

// tickUpload implements spec §4.5's _tick_upload.
func (s *Scheduler) tickUpload(ctx context.Context, tk *ticket.Ticket) {
	s.Touch()
	defer s.Touch()

	if _, err := os.Stat(tk.LocalFile); err != nil {
		tk.Status = ticket.Error
		tk.ErrMsg = fmt.Sprintf("file %s does not exist", tk.LocalFile)
		s.persist(tk)
		return
	}

	if err := tk.ComputeChecksum(); err != nil {
		tk.Status = ticket.Error
		tk.ErrMsg = err.Error()
		s.persist(tk)
		return
	}

	tk.Status = ticket.Putting
	if !s.persist(tk) {
		return
	}

	sess, err := s.arc.AcquireSession(ctx, s.cfg.SessionTimeout)
	if err != nil {
		s.applyRetry(tk, err)
		s.persist(tk)
		return
	}
	defer sess.Release()

	err = s.arc.Put(ctx, sess, tk)
	switch {
	case err == nil:
		if err := s.verifyChecksum(ctx, sess, tk); err != nil {
			s.classifyChecksumFailure(tk, err)
		} else {
			if attrErr := tk.CaptureLocalAttributes(); attrErr != nil {
				s.logger.Warn("refreshing local attributes after PUT", "error", attrErr)
			}
			tk.Status = ticket.Done
		}
	case errors.Is(err, archive.ErrTransient):
		s.applyRetry(tk, err)
	default:
		tk.Status = ticket.Error
		tk.ErrMsg = fmt.Sprintf("%+v", err)
	}
	s.persist(tk)
}

// applyRetry decrements the retry budget on a transient failure, or
// terminates the ticket with ERROR once it is exhausted.
func (s *Scheduler) applyRetry(tk *ticket.Ticket, err error) {
	tk.ErrMsg = err.Error()
	if tk.Retries > 0 {
		tk.Retries--
		tk.Status = ticket.Retry
		return
	}
	tk.Status = ticket.Error
}

// persist writes tk back to the store, logging (not propagating) a
// failure, and reports whether the write succeeded.
func (s *Scheduler) persist(tk *ticket.Ticket) bool {
	if err := s.store.Update(tk); err != nil {
		s.logger.Error("persisting ticket", "local_file", tk.LocalFile, "remote_file", tk.RemoteFile, "error", err)
		return false
	}
	return true
}
