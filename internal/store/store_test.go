// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tapearc/tapearcd/internal/jsonutil"
	"github.com/tapearc/tapearcd/internal/ticket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCreateUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tk := &ticket.Ticket{
		Mode:        ticket.Get,
		LocalFile:   "/tmp/a.dat",
		RemoteFile:  "/zone/home/alice/a.dat",
		Status:      ticket.Waiting,
		Retries:     3,
		TimeCreated: 1,
	}
	if err := s.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	id := tk.Identity()
	if got, ok := s.Get(id); !ok || got.Status != ticket.Waiting {
		t.Fatalf("Get after Create = %+v, %v", got, ok)
	}
	active := s.ActiveSnapshot()
	if len(active) != 1 || active[0] != id {
		t.Fatalf("ActiveSnapshot = %v, want [%v]", active, id)
	}

	tk.Status = ticket.Done
	if err := s.Update(tk); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(s.ActiveSnapshot()) != 0 {
		t.Fatalf("expected no active tickets after DONE, got %v", s.ActiveSnapshot())
	}

	s.Delete(id)
	if _, ok := s.Get(id); ok {
		t.Fatalf("ticket still present after Delete")
	}
	if _, err := os.Stat(filepath.Join(dir, tk.Filename())); !os.IsNotExist(err) {
		t.Fatalf("ticket file still on disk after Delete: %v", err)
	}
}

func TestLoadRecoversInFlightTickets(t *testing.T) {
	dir := t.TempDir()

	tk := &ticket.Ticket{
		Mode:        ticket.Get,
		LocalFile:   "/tmp/b.dat",
		RemoteFile:  "/zone/home/bob/b.dat",
		Status:      ticket.Getting,
		Retries:     1,
		Transferred: 500000,
		TimeCreated: 1,
	}
	data, err := jsonutil.Marshal(tk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, tk.Filename()), data, 0644); err != nil {
		t.Fatalf("seeding ticket file: %v", err)
	}

	s, err := Open(dir, 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, ok := s.Get(tk.Identity())
	if !ok {
		t.Fatalf("ticket not indexed after Load")
	}
	if got.Status != ticket.Retry || got.Retries != ticket.DefaultRetries || got.Transferred != 0 {
		t.Fatalf("got status=%s retries=%d transferred=%d, want RETRY/3/0", got.Status, got.Retries, got.Transferred)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, tk.Filename()))
	if err != nil {
		t.Fatalf("reading rewritten file: %v", err)
	}
	var rewritten ticket.Ticket
	if err := jsonutil.Unmarshal(onDisk, &rewritten); err != nil {
		t.Fatalf("unmarshal rewritten: %v", err)
	}
	if rewritten.Status != ticket.Retry {
		t.Fatalf("on-disk status = %s, want RETRY", rewritten.Status)
	}
}

func TestLoadPropagatesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("seeding corrupt file: %v", err)
	}

	s, err := Open(dir, 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Load(); err == nil {
		t.Fatalf("expected Load to fail on corrupt ticket file")
	}
}

func TestCompressedTicketRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1, testLogger()) // threshold=1 forces compression on every write
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tk := &ticket.Ticket{
		Mode:        ticket.Put,
		LocalFile:   "/tmp/c.dat",
		RemoteFile:  "/zone/home/carol/c.dat",
		Status:      ticket.Waiting,
		Retries:     3,
		TimeCreated: 1,
		ErrMsg:      "a reasonably long error message to exceed the threshold",
	}
	if err := s.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	s2, err := Open(dir, 1, testLogger())
	if err != nil {
		t.Fatalf("Open second store: %v", err)
	}
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := s2.Get(tk.Identity())
	if !ok {
		t.Fatalf("ticket not found after reload")
	}
	if got.ErrMsg != tk.ErrMsg {
		t.Fatalf("ErrMsg = %q, want %q", got.ErrMsg, tk.ErrMsg)
	}
}
