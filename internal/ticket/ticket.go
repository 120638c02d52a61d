// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package ticket defines the persisted transfer record and its lifecycle
// rules. A Ticket is the unit of work the scheduler advances: one GET or
// PUT between a local path and a remote archive path.
package ticket

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

// Mode is the transfer direction.
type Mode string

const (
	Get Mode = "GET"
	Put Mode = "PUT"
)

// Status is a ticket's lifecycle state.
type Status string

const (
	Waiting  Status = "WAITING"
	Getting  Status = "GETTING"
	Putting  Status = "PUTTING"
	Retry    Status = "RETRY"
	Done     Status = "DONE"
	Error    Status = "ERROR"
	Canceled Status = "CANCELED"
	Undef    Status = "UNDEF"
	Unmig    Status = "UNMIG"
)

// activeStatuses is the set of statuses a ticket is still being worked on in.
var activeStatuses = map[Status]bool{
	Waiting: true,
	Getting: true,
	Putting: true,
	Retry:   true,
	Unmig:   true,
}

// IsActive reports whether the ticket is still eligible for scheduling.
func (s Status) IsActive() bool {
	return activeStatuses[s]
}

// sortedCodes orders statuses for tick processing: new work first,
// terminal last. Index position is what TickRank returns.
var sortedCodes = []Status{Waiting, Getting, Putting, Retry, Canceled, Error, Undef, Done}

var sortedCodeRank = func() map[Status]int {
	m := make(map[Status]int, len(sortedCodes))
	for i, s := range sortedCodes {
		m[s] = i
	}
	return m
}()

// TickRank returns this status's position in the processing order defined
// by spec §3.1; unknown statuses sort after all known ones.
func (s Status) TickRank() int {
	if rank, ok := sortedCodeRank[s]; ok {
		return rank
	}
	return len(sortedCodes)
}

// DefaultRetries is the retry budget a freshly registered ticket starts with.
const DefaultRetries = 3

// Identity is the compound key that uniquely names an active ticket:
// (local_file, remote_file). It is used directly as a map key rather than
// a composed string, per spec §9.
type Identity struct {
	LocalFile  string
	RemoteFile string
}

// Ticket is the persisted record describing one queued or in-flight transfer.
type Ticket struct {
	Mode         Mode    `json:"mode"`
	LocalFile    string  `json:"local_file"`
	RemoteFile   string  `json:"remote_file"`
	Status       Status  `json:"status"`
	TimeCreated  int64   `json:"time_created"`
	Retries      int     `json:"retries"`
	Transferred  int64   `json:"transferred"`
	TransferTime float64 `json:"transfer_time"`
	Checksum     string  `json:"checksum"`
	LocalATime   int64   `json:"local_atime"`
	LocalCTime   int64   `json:"local_ctime"`
	LocalSize    int64   `json:"local_size"`
	RemoteSize   int64   `json:"remote_size"`
	ErrMsg       string  `json:"errmsg"`
	DMFState     string  `json:"DMF_state"`
}

// Identity returns this ticket's compound identity key.
func (t *Ticket) Identity() Identity {
	return Identity{LocalFile: t.LocalFile, RemoteFile: t.RemoteFile}
}

// New constructs a freshly registered ticket in status WAITING with a full
// retry budget, per spec §4.3's registration semantics.
func New(mode Mode, localFile, remoteFile string, now time.Time) *Ticket {
	return &Ticket{
		Mode:        mode,
		LocalFile:   localFile,
		RemoteFile:  remoteFile,
		Status:      Waiting,
		TimeCreated: now.Unix(),
		Retries:     DefaultRetries,
		DMFState:    "???",
	}
}

// RecoverInFlight rewrites a ticket that was persisted mid-transfer
// (GETTING/PUTTING) back into a retryable state, per spec §3.1's
// crash-recovery invariant. Reports whether it made a change.
func (t *Ticket) RecoverInFlight() bool {
	if t.Status != Getting && t.Status != Putting {
		return false
	}
	t.Status = Retry
	t.Retries = DefaultRetries
	t.Transferred = 0
	return true
}

// CaptureLocalAttributes stats localFile and fills in LocalATime, LocalCTime
// and LocalSize. Required before the first PUT attempt and refreshed after a
// successful PUT, per spec §3.1.
func (t *Ticket) CaptureLocalAttributes() error {
	info, err := os.Stat(t.LocalFile)
	if err != nil {
		return errors.Wrap(err, "stat local file")
	}
	t.LocalSize = info.Size()
	t.LocalCTime = changeTime(info)
	t.LocalATime = accessTime(info)
	return nil
}

// ComputeChecksum recomputes the SHA-256 of the local file and stores it
// base64-encoded in Checksum, per spec §3.1.
func (t *Ticket) ComputeChecksum() error {
	f, err := os.Open(t.LocalFile)
	if err != nil {
		return errors.Wrap(err, "open local file for checksum")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrap(err, "hashing local file")
	}
	t.Checksum = base64.StdEncoding.EncodeToString(h.Sum(nil))
	return nil
}

// Filename is the deterministic on-disk filename for this ticket's
// identity: hex(sha256(mode|0x00|local_file|0x00|remote_file)) + ".json".
// This resolves the filename-collision bug noted in spec §9 by hashing the
// compound identity once instead of concatenating both paths raw.
func (t *Ticket) Filename() string {
	return FilenameFor(t.Mode, t.LocalFile, t.RemoteFile)
}

// FilenameFor computes the deterministic ticket filename for a given
// identity without requiring a constructed Ticket.
func FilenameFor(mode Mode, localFile, remoteFile string) string {
	h := sha256.New()
	h.Write([]byte(mode))
	h.Write([]byte{0})
	h.Write([]byte(localFile))
	h.Write([]byte{0})
	h.Write([]byte(remoteFile))
	return hex.EncodeToString(h.Sum(nil)) + ".json"
}
