// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapearc/tapearcd/internal/archive"
	"github.com/tapearc/tapearcd/internal/store"
	"github.com/tapearc/tapearcd/internal/ticket"
)

type fakeSession struct{}

func (fakeSession) Release() {}

type fakeArchive struct {
	getFunc       func(tk *ticket.Ticket) error
	putFunc       func(tk *ticket.Ticket) error
	checksumFunc  func(tk *ticket.Ticket) error
	getCalls      int
	checksumCalls int
}

func (f *fakeArchive) AcquireSession(ctx context.Context, timeout time.Duration) (archive.Session, error) {
	return fakeSession{}, nil
}

func (f *fakeArchive) ListObjects(ctx context.Context, sess archive.Session, filter archive.ListFilter, limit int) (<-chan archive.ObjectRecord, <-chan error) {
	out := make(chan archive.ObjectRecord)
	errc := make(chan error, 1)
	close(out)
	close(errc)
	return out, errc
}

func (f *fakeArchive) Get(ctx context.Context, sess archive.Session, tk *ticket.Ticket) error {
	f.getCalls++
	return f.getFunc(tk)
}

func (f *fakeArchive) Put(ctx context.Context, sess archive.Session, tk *ticket.Ticket) error {
	return f.putFunc(tk)
}

func (f *fakeArchive) Checksum(ctx context.Context, sess archive.Session, remoteFile, localChecksum string) error {
	f.checksumCalls++
	if f.checksumFunc == nil {
		return nil
	}
	return f.checksumFunc(&ticket.Ticket{RemoteFile: remoteFile, Checksum: localChecksum})
}

func (f *fakeArchive) ResolveDMF(ctx context.Context, sess archive.Session, queries []archive.DMFQuery) (<-chan archive.DMFResult, <-chan error) {
	out := make(chan archive.DMFResult)
	errc := make(chan error, 1)
	close(out)
	close(errc)
	return out, errc
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir(), 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestTickRetryExhaustion(t *testing.T) {
	st := newTestStore(t)
	tk := &ticket.Ticket{Mode: ticket.Get, LocalFile: "/tmp/a", RemoteFile: "/zone/a", Status: ticket.Waiting, Retries: 1}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{getFunc: func(tk *ticket.Ticket) error { return archive.ErrTransient }}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second}, testLogger())

	s.tick(context.Background())
	got, _ := st.Get(tk.Identity())
	if got.Status != ticket.Retry || got.Retries != 0 {
		t.Fatalf("after tick1: status=%s retries=%d, want RETRY/0", got.Status, got.Retries)
	}

	s.tick(context.Background())
	got, _ = st.Get(tk.Identity())
	if got.Status != ticket.Error {
		t.Fatalf("after tick2: status=%s, want ERROR", got.Status)
	}
	if len(st.ActiveSnapshot()) != 0 {
		t.Fatalf("expected ticket removed from active index after ERROR")
	}
}

func TestTickUnmigDoesNotConsumeRetries(t *testing.T) {
	st := newTestStore(t)
	localFile := filepath.Join(t.TempDir(), "b")
	tk := &ticket.Ticket{Mode: ticket.Get, LocalFile: localFile, RemoteFile: "/zone/b", Status: ticket.Waiting, Retries: 3}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	calls := 0
	arc := &fakeArchive{getFunc: func(tk *ticket.Ticket) error {
		calls++
		if calls == 1 {
			return archive.ErrDMFRuleFailed
		}
		return os.WriteFile(tk.LocalFile, []byte("recalled from tape"), 0644)
	}}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second}, testLogger())

	s.tick(context.Background())
	got, _ := st.Get(tk.Identity())
	if got.Status != ticket.Unmig || got.Retries != 3 {
		t.Fatalf("after tick1: status=%s retries=%d, want UNMIG/3", got.Status, got.Retries)
	}

	s.tick(context.Background())
	got, _ = st.Get(tk.Identity())
	if got.Status != ticket.Done {
		t.Fatalf("after tick2: status=%s, want DONE", got.Status)
	}
}

func TestTickDownloadDiskFullSkipsTransfer(t *testing.T) {
	st := newTestStore(t)
	tk := &ticket.Ticket{Mode: ticket.Get, LocalFile: "/tmp/c", RemoteFile: "/zone/c", Status: ticket.Waiting, Retries: 3, RemoteSize: 1 << 62}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{getFunc: func(tk *ticket.Ticket) error { return nil }}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second}, testLogger())

	s.tick(context.Background())
	got, _ := st.Get(tk.Identity())
	if got.Status != ticket.Error || got.ErrMsg != "disk full on GET" {
		t.Fatalf("got status=%s errmsg=%q, want ERROR/disk full on GET", got.Status, got.ErrMsg)
	}
	if arc.getCalls != 0 {
		t.Fatalf("expected Get not to be called when disk space check fails")
	}
}

func TestTickUploadMissingLocalFile(t *testing.T) {
	st := newTestStore(t)
	tk := &ticket.Ticket{Mode: ticket.Put, LocalFile: "/nonexistent/path/d", RemoteFile: "/zone/d", Status: ticket.Waiting, Retries: 3}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{putFunc: func(tk *ticket.Ticket) error { return nil }}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second}, testLogger())

	s.tick(context.Background())
	got, _ := st.Get(tk.Identity())
	if got.Status != ticket.Error {
		t.Fatalf("got status=%s, want ERROR", got.Status)
	}
}

func TestTickDownloadChecksumMismatchConsumesRetryThenErrors(t *testing.T) {
	st := newTestStore(t)
	localFile := filepath.Join(t.TempDir(), "e")
	tk := &ticket.Ticket{Mode: ticket.Get, LocalFile: localFile, RemoteFile: "/zone/e", Status: ticket.Waiting, Retries: 1}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{
		getFunc: func(tk *ticket.Ticket) error {
			return os.WriteFile(tk.LocalFile, []byte("downloaded bytes"), 0644)
		},
		checksumFunc: func(tk *ticket.Ticket) error { return archive.ErrChecksumMismatch },
	}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second}, testLogger())

	s.tick(context.Background())
	got, _ := st.Get(tk.Identity())
	if got.Status != ticket.Retry || got.Retries != 0 {
		t.Fatalf("after tick1: status=%s retries=%d, want RETRY/0", got.Status, got.Retries)
	}

	s.tick(context.Background())
	got, _ = st.Get(tk.Identity())
	if got.Status != ticket.Error {
		t.Fatalf("after tick2: status=%s, want ERROR", got.Status)
	}
	if arc.checksumCalls != 2 {
		t.Fatalf("expected Checksum to be called on every successful GET, got %d calls", arc.checksumCalls)
	}
}

func TestTickDownloadChecksumMatchReachesDone(t *testing.T) {
	st := newTestStore(t)
	localFile := filepath.Join(t.TempDir(), "f")
	tk := &ticket.Ticket{Mode: ticket.Get, LocalFile: localFile, RemoteFile: "/zone/f", Status: ticket.Waiting, Retries: 3}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{
		getFunc: func(tk *ticket.Ticket) error {
			return os.WriteFile(tk.LocalFile, []byte("downloaded bytes"), 0644)
		},
	}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second}, testLogger())

	s.tick(context.Background())
	got, _ := st.Get(tk.Identity())
	if got.Status != ticket.Done {
		t.Fatalf("got status=%s, want DONE", got.Status)
	}
	if arc.checksumCalls != 1 {
		t.Fatalf("expected Checksum to be called once, got %d", arc.checksumCalls)
	}
}

func TestTickUploadSucceedsAfterChecksumReconciliation(t *testing.T) {
	st := newTestStore(t)
	localFile := filepath.Join(t.TempDir(), "g")
	if err := os.WriteFile(localFile, []byte("upload me"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tk := &ticket.Ticket{Mode: ticket.Put, LocalFile: localFile, RemoteFile: "/zone/g", Status: ticket.Waiting, Retries: 3}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{putFunc: func(tk *ticket.Ticket) error { return nil }}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second}, testLogger())

	s.tick(context.Background())
	got, _ := st.Get(tk.Identity())
	if got.Status != ticket.Done {
		t.Fatalf("got status=%s errmsg=%q, want DONE", got.Status, got.ErrMsg)
	}
	if arc.checksumCalls != 1 {
		t.Fatalf("expected Checksum to be called once after PUT, got %d", arc.checksumCalls)
	}
}

func TestIdleShutdownFiresAfterStopTimeout(t *testing.T) {
	st := newTestStore(t)
	arc := &fakeArchive{}
	s := New(st, arc, nil, Config{TickInterval: time.Second, SessionTimeout: time.Second, StopTimeout: 10 * time.Millisecond}, testLogger())

	time.Sleep(20 * time.Millisecond)
	s.tick(context.Background())

	select {
	case <-s.Done():
	default:
		t.Fatalf("expected Done() to be closed after idle timeout")
	}
	if s.Running() {
		t.Fatalf("expected Running() to be false after idle shutdown")
	}
}
