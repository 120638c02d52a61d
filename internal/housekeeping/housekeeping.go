// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package housekeeping implements the periodic reconciliation pass that
// ages out terminal tickets whose remote object has vanished from the
// archive catalog (spec §4.8).
package housekeeping

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/pgzip"

	"github.com/tapearc/tapearcd/internal/archive"
	"github.com/tapearc/tapearcd/internal/jsonutil"
	"github.com/tapearc/tapearcd/internal/store"
	"github.com/tapearc/tapearcd/internal/ticket"
)

// auditRecord is one line of the deleted-ticket forensic trail.
type auditRecord struct {
	DeletedAt   int64         `json:"deleted_at"`
	Mode        ticket.Mode   `json:"mode"`
	LocalFile   string        `json:"local_file"`
	RemoteFile  string        `json:"remote_file"`
	Status      ticket.Status `json:"status"`
	TimeCreated int64         `json:"time_created"`
}

// Housekeeper runs the age-out pass at most once per interval.
type Housekeeper struct {
	store          *store.Store
	arc            archive.Archive
	sessionTimeout time.Duration
	keepAge        time.Duration
	auditLogPath   string
	logger         *slog.Logger
}

// New constructs a Housekeeper. keepAge is housekeeping_keep_hours,
// already converted to a duration. auditLogPath may be empty to disable
// the audit trail.
func New(st *store.Store, arc archive.Archive, sessionTimeout, keepAge time.Duration, auditLogPath string, logger *slog.Logger) *Housekeeper {
	return &Housekeeper{
		store:          st,
		arc:            arc,
		sessionTimeout: sessionTimeout,
		keepAge:        keepAge,
		auditLogPath:   auditLogPath,
		logger:         logger,
	}
}

// Run performs one reconciliation pass: any terminal ticket whose
// remote_file no longer appears in the archive catalog, and whose time_created predates
// now-keepAge, is deleted from the store. A per-ticket failure is logged
// and does not abort the rest of the pass.
func (h *Housekeeper) Run(ctx context.Context, now time.Time) error {
	present, err := h.archiveRemotePaths(ctx)
	if err != nil {
		return errors.Wrap(err, "listing archive catalog for housekeeping")
	}

	cutoff := now.Add(-h.keepAge).Unix()
	var deleted []auditRecord

	for _, tk := range h.store.All() {
		if tk.Status.IsActive() {
			continue
		}
		if present[tk.RemoteFile] {
			continue
		}
		if tk.TimeCreated > cutoff {
			continue
		}

		h.store.Delete(tk.Identity())
		h.logger.Info("housekeeping deleted ticket",
			"local_file", tk.LocalFile, "remote_file", tk.RemoteFile, "status", tk.Status)
		deleted = append(deleted, auditRecord{
			DeletedAt:   now.Unix(),
			Mode:        tk.Mode,
			LocalFile:   tk.LocalFile,
			RemoteFile:  tk.RemoteFile,
			Status:      tk.Status,
			TimeCreated: tk.TimeCreated,
		})
	}

	if len(deleted) == 0 || h.auditLogPath == "" {
		return nil
	}
	if err := h.appendAudit(deleted); err != nil {
		h.logger.Error("writing housekeeping audit trail", "error", err)
	}
	return nil
}

// archiveRemotePaths takes one full list_objects pass and returns the set
// of remote paths currently present in the archive.
func (h *Housekeeper) archiveRemotePaths(ctx context.Context) (map[string]bool, error) {
	sess, err := h.arc.AcquireSession(ctx, h.sessionTimeout)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	objs, errc := h.arc.ListObjects(ctx, sess, archive.ListFilter{}, 0)
	present := make(map[string]bool)
	for obj := range objs {
		present[obj.RemoteFile] = true
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return present, nil
}

// appendAudit writes one gzip member per run to the audit log, containing
// one JSON line per deleted ticket. Gzip's container format concatenates
// cleanly, so the file remains readable end-to-end by any gzip reader
// across many runs.
func (h *Housekeeper) appendAudit(records []auditRecord) error {
	f, err := os.OpenFile(h.auditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "opening audit log")
	}
	defer f.Close()

	gz := pgzip.NewWriter(f)
	for _, rec := range records {
		line, err := jsonutil.Marshal(rec)
		if err != nil {
			gz.Close()
			return errors.Wrap(err, "marshaling audit record")
		}
		if _, err := gz.Write(append(line, '\n')); err != nil {
			gz.Close()
			return errors.Wrap(err, "writing audit record")
		}
	}
	return gz.Close()
}
