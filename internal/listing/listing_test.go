// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package listing

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tapearc/tapearcd/internal/archive"
	"github.com/tapearc/tapearcd/internal/store"
	"github.com/tapearc/tapearcd/internal/ticket"
)

type fakeSession struct{}

func (fakeSession) Release() {}

type fakeArchive struct {
	objects []archive.ObjectRecord
}

func (f *fakeArchive) AcquireSession(ctx context.Context, timeout time.Duration) (archive.Session, error) {
	return fakeSession{}, nil
}

func (f *fakeArchive) ListObjects(ctx context.Context, sess archive.Session, filter archive.ListFilter, limit int) (<-chan archive.ObjectRecord, <-chan error) {
	out := make(chan archive.ObjectRecord)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		n := 0
		for _, o := range f.objects {
			if limit > 0 && n >= limit {
				return
			}
			out <- o
			n++
		}
	}()
	return out, errc
}

func (f *fakeArchive) Get(ctx context.Context, sess archive.Session, tk *ticket.Ticket) error { return nil }
func (f *fakeArchive) Put(ctx context.Context, sess archive.Session, tk *ticket.Ticket) error { return nil }
func (f *fakeArchive) Checksum(ctx context.Context, sess archive.Session, remoteFile, localChecksum string) error {
	return nil
}

func (f *fakeArchive) ResolveDMF(ctx context.Context, sess archive.Session, queries []archive.DMFQuery) (<-chan archive.DMFResult, <-chan error) {
	out := make(chan archive.DMFResult)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, q := range queries {
			out <- archive.DMFResult{RemoteFile: q.RemoteFile, LocalFile: q.LocalFile, DMFState: "REG"}
		}
	}()
	return out, errc
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamWithLimitOrdersTicketsBeforeArchive(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir, 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t1 := &ticket.Ticket{Mode: ticket.Get, LocalFile: "/tmp/x1", RemoteFile: "/zone/home/alice/x1", Status: ticket.Waiting, TimeCreated: 1}
	t2 := &ticket.Ticket{Mode: ticket.Get, LocalFile: "/tmp/x2", RemoteFile: "/zone/home/alice/x2", Status: ticket.Waiting, TimeCreated: 2}
	if err := st.Create(t1); err != nil {
		t.Fatalf("Create t1: %v", err)
	}
	if err := st.Create(t2); err != nil {
		t.Fatalf("Create t2: %v", err)
	}

	arc := &fakeArchive{objects: []archive.ObjectRecord{
		{RemoteFile: "/zone/home/bob/a1"},
		{RemoteFile: "/zone/home/bob/a2"},
		{RemoteFile: "/zone/home/bob/a3"},
		{RemoteFile: "/zone/home/bob/a4"},
		{RemoteFile: "/zone/home/bob/a5"},
	}}

	lister := New(st, arc, 5*time.Second)
	out, errc := lister.Stream(context.Background(), Filter{}, 3)

	var got []Record
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Stream error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[0].RemoteFile != "/zone/home/alice/x1" || got[1].RemoteFile != "/zone/home/alice/x2" {
		t.Fatalf("ticket records not first/ordered: %+v", got[:2])
	}
	if got[2].RemoteFile != "/zone/home/bob/a1" {
		t.Fatalf("archive record not third: %+v", got[2])
	}
}

func TestStreamActiveFilterSuppressesArchiveHalf(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir, 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tk := &ticket.Ticket{Mode: ticket.Get, LocalFile: "/tmp/y1", RemoteFile: "/zone/home/alice/y1", Status: ticket.Waiting, TimeCreated: 1}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{objects: []archive.ObjectRecord{{RemoteFile: "/zone/home/bob/a1"}}}
	lister := New(st, arc, 5*time.Second)

	out, errc := lister.Stream(context.Background(), Filter{Active: true}, 0)
	var got []Record
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(got) != 1 || got[0].RemoteFile != "/zone/home/alice/y1" {
		t.Fatalf("got %+v, want only the one ticket record", got)
	}
}

func TestStreamMarksMissingLocalFileDeleted(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir, 0, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tk := &ticket.Ticket{Mode: ticket.Get, LocalFile: "/nonexistent/path/z1", RemoteFile: "/zone/home/alice/z1", Status: ticket.Waiting, TimeCreated: 1}
	if err := st.Create(tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	arc := &fakeArchive{}
	lister := New(st, arc, 5*time.Second)
	out, errc := lister.Stream(context.Background(), Filter{Active: true}, 0)

	var got []Record
	for r := range out {
		got = append(got, r)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(got) != 1 || got[0].LocalFile != "DELETED:/nonexistent/path/z1" {
		t.Fatalf("got %+v, want DELETED: prefix", got)
	}
}

func TestInfoFilterJoinsCollectionAndObject(t *testing.T) {
	f := InfoFilter("/zone/home/alice", "file.dat")
	if f.RemoteFile != "/zone/home/alice/file.dat" {
		t.Fatalf("InfoFilter = %q", f.RemoteFile)
	}
}
