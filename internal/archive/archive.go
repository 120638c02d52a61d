// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package archive defines the minimal contract the daemon needs from the
// remote content-addressed object archive (spec §4.6), and a concrete
// implementation backed by S3: buckets/keys stand in for iRODS
// collections/objects, S3 storage classes and restore status stand in for
// DMF tape-tier state.
package archive

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tapearc/tapearcd/internal/ticket"
)

// Sentinel errors classifying a transfer attempt's outcome, per spec §7.
var (
	// ErrDMFRuleFailed means the remote object is still on tape; the
	// scheduler should set the ticket to UNMIG without consuming a retry.
	ErrDMFRuleFailed = errors.New("archive: object is migrated to tape, recall required")
	// ErrTransient means a retryable network-level failure occurred.
	ErrTransient = errors.New("archive: transient network error")
	// ErrChecksumMismatch means the archive's stored checksum does not
	// match the ticket's locally computed one.
	ErrChecksumMismatch = errors.New("archive: checksum mismatch")
)

// Session is a scoped handle on the archive; every operation below
// requires one. Release must be safe to call exactly once and must run on
// every code path that acquired the session (spec §4.6, §5).
type Session interface {
	Release()
}

// ObjectRecord describes one remote object as returned by ListObjects,
// matching the field set in spec §4.6.
type ObjectRecord struct {
	Collection          string
	Object              string
	RemoteFile          string
	RemoteSize          int64
	RemoteChecksum      string
	RemoteCreateTime    int64
	RemoteModifyTime    int64
	RemoteOwnerName     string
	RemoteOwnerZone     string
	RemoteReplicaNumber int
	RemoteReplicaStatus string
}

// ListFilter narrows a ListObjects call.
type ListFilter struct {
	// Prefix restricts results to remote paths with this prefix.
	Prefix string
	// Collection and Object, when Collection is set, are joined into the
	// key prefix collection/object in place of Prefix.
	Collection string
	Object     string
}

// DMFQuery is one (remote_file, local_file) pair to resolve tape-tier
// state for, per spec §4.6's GetDmfObject.process_all contract.
type DMFQuery struct {
	RemoteFile string
	LocalFile  string
}

// DMFResult is the resolved tape-tier state for one DMFQuery.
type DMFResult struct {
	RemoteFile string
	LocalFile  string
	DMFState   string
}

// Archive is the daemon's entire dependency on the remote object store.
type Archive interface {
	// AcquireSession acquires a session with the given timeout; the caller
	// must call Release on it, on every code path, once done.
	AcquireSession(ctx context.Context, timeout time.Duration) (Session, error)

	// ListObjects lazily enumerates up to limit objects matching filter.
	// limit <= 0 means unbounded.
	ListObjects(ctx context.Context, sess Session, filter ListFilter, limit int) (<-chan ObjectRecord, <-chan error)

	// Get streams ticket.RemoteFile to ticket.LocalFile, incrementing
	// ticket.Transferred as bytes land and setting ticket.TransferTime on
	// completion. Returns ErrDMFRuleFailed if the object must first be
	// recalled from tape, or ErrTransient on a retryable network failure.
	Get(ctx context.Context, sess Session, tk *ticket.Ticket) error

	// Put streams ticket.LocalFile to ticket.RemoteFile, registering a
	// server-side checksum, with the same progress contract as Get.
	Put(ctx context.Context, sess Session, tk *ticket.Ticket) error

	// Checksum fetches the remote checksum for remoteFile and compares it
	// against localChecksum, returning ErrChecksumMismatch on a mismatch.
	// Returns nil if the archive has no checksum on file for remoteFile.
	Checksum(ctx context.Context, sess Session, remoteFile, localChecksum string) error

	// ResolveDMF batch-resolves tape-tier state for every query, yielding
	// exactly one DMFResult per input DMFQuery (membership-preserving;
	// order is not part of the contract).
	ResolveDMF(ctx context.Context, sess Session, queries []DMFQuery) (<-chan DMFResult, <-chan error)
}
