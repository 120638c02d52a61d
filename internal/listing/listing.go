// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package listing implements the merged ticket+archive listing pipeline
// (spec §4.7): a streaming join between locally known tickets and the
// remote archive's own catalog, both passed through the archive's DMF
// tape-tier resolution.
package listing

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tapearc/tapearcd/internal/archive"
	"github.com/tapearc/tapearcd/internal/store"
	"github.com/tapearc/tapearcd/internal/ticket"
)

// Filter narrows a listing request.
type Filter struct {
	// Active restricts the ticket half of the join to active tickets and
	// suppresses the archive-catalog half entirely.
	Active bool
	// RemoteFile, when non-empty, restricts results to this single remote
	// path — used by the `info` request (filter = {collection, object}).
	RemoteFile string
}

// InfoFilter builds the single-object filter `info` uses: collection and
// object joined back into one remote path.
func InfoFilter(collection, object string) Filter {
	return Filter{RemoteFile: strings.TrimSuffix(collection, "/") + "/" + object}
}

// Record is one merged, DMF-enriched listing entry.
type Record struct {
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
	DMFState            string

	// LocalFile is set only for ticket-derived records. LocalSizeKnown is
	// false when the local file is missing, which triggers the
	// "DELETED:" prefix rewrite on LocalFile (spec §4.7).
	LocalFile      string
	LocalSize      int64
	LocalSizeKnown bool
}

// Lister drives the ticket+archive merge for one daemon instance.
type Lister struct {
	store          *store.Store
	arc            archive.Archive
	sessionTimeout time.Duration
}

// New constructs a Lister over st and arc.
func New(st *store.Store, arc archive.Archive, sessionTimeout time.Duration) *Lister {
	return &Lister{store: st, arc: arc, sessionTimeout: sessionTimeout}
}

// Stream runs the listing pipeline described in spec §4.7 and returns a
// pull-based channel of Records along with an error channel; the caller
// drains out until it closes, then checks errc for a non-nil error.
// limit <= 0 means unbounded.
func (l *Lister) Stream(ctx context.Context, filter Filter, limit int) (<-chan Record, <-chan error) {
	out := make(chan Record)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		sess, err := l.arc.AcquireSession(ctx, l.sessionTimeout)
		if err != nil {
			errc <- err
			return
		}
		defer sess.Release()

		emitted := make(map[string]bool)
		remaining := limit

		tickets := l.matchingTickets(filter)
		if len(tickets) > 0 {
			queries := make([]archive.DMFQuery, len(tickets))
			for i, tk := range tickets {
				queries[i] = archive.DMFQuery{RemoteFile: tk.RemoteFile, LocalFile: tk.LocalFile}
			}
			dmfOut, dmfErr := l.arc.ResolveDMF(ctx, sess, queries)
			byRemote := make(map[string]archive.DMFResult, len(tickets))
			for r := range dmfOut {
				byRemote[r.RemoteFile] = r
			}
			if err := <-dmfErr; err != nil {
				errc <- err
				return
			}

			for _, tk := range tickets {
				if limit > 0 && remaining <= 0 {
					return
				}
				record := recordFromTicket(tk, byRemote[tk.RemoteFile].DMFState)
				select {
				case out <- record:
				case <-ctx.Done():
					return
				}
				emitted[tk.RemoteFile] = true
				remaining--
			}
		}

		if filter.Active {
			return
		}
		if limit > 0 && remaining <= 0 {
			return
		}

		argLimit := 0
		if limit > 0 {
			argLimit = 2 * limit
		}
		objs, listErr := l.arc.ListObjects(ctx, sess, archive.ListFilter{Prefix: filter.RemoteFile}, argLimit)

		var queries []archive.DMFQuery
		var candidates []archive.ObjectRecord
		for obj := range objs {
			if emitted[obj.RemoteFile] {
				continue
			}
			if filter.RemoteFile != "" && obj.RemoteFile != filter.RemoteFile {
				continue
			}
			candidates = append(candidates, obj)
			queries = append(queries, archive.DMFQuery{RemoteFile: obj.RemoteFile})
		}
		if err := <-listErr; err != nil {
			errc <- err
			return
		}
		if len(candidates) == 0 {
			return
		}

		dmfOut, dmfErr := l.arc.ResolveDMF(ctx, sess, queries)
		byRemote := make(map[string]archive.DMFResult, len(candidates))
		for r := range dmfOut {
			byRemote[r.RemoteFile] = r
		}
		if err := <-dmfErr; err != nil {
			errc <- err
			return
		}

		for _, obj := range candidates {
			if limit > 0 && remaining <= 0 {
				return
			}
			record := recordFromObject(obj, byRemote[obj.RemoteFile].DMFState)
			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
			remaining--
		}
	}()

	return out, errc
}

// matchingTickets returns the tickets passing filter, sorted by
// status-class (tick rank) then TimeCreated, per spec §4.7 step 2.
func (l *Lister) matchingTickets(filter Filter) []*ticket.Ticket {
	var candidates []*ticket.Ticket
	if filter.Active {
		for _, id := range l.store.ActiveSnapshot() {
			if tk, ok := l.store.Get(id); ok {
				candidates = append(candidates, tk)
			}
		}
	} else {
		candidates = l.store.All()
	}

	var matched []*ticket.Ticket
	for _, tk := range candidates {
		if filter.RemoteFile != "" && tk.RemoteFile != filter.RemoteFile {
			continue
		}
		matched = append(matched, tk)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := matched[i].Status.TickRank(), matched[j].Status.TickRank()
		if ri != rj {
			return ri < rj
		}
		return matched[i].TimeCreated < matched[j].TimeCreated
	})
	return matched
}

// recordFromTicket builds a Record from a ticket, applying the
// "DELETED:" local-file rewrite when the local file is missing.
func recordFromTicket(tk *ticket.Ticket, dmfState string) Record {
	collection, object := splitRemotePath(tk.RemoteFile)
	record := Record{
		Collection:     collection,
		Object:         object,
		RemoteFile:     tk.RemoteFile,
		RemoteSize:     tk.RemoteSize,
		RemoteChecksum: tk.Checksum,
		DMFState:       dmfState,
		LocalFile:      tk.LocalFile,
	}
	if info, err := os.Stat(tk.LocalFile); err == nil {
		record.LocalSize = info.Size()
		record.LocalSizeKnown = true
	} else {
		record.LocalFile = "DELETED:" + tk.LocalFile
	}
	return record
}

// recordFromObject builds a Record straight from an archive catalog entry;
// there is no local file to speak of, so no DELETED: rewrite applies.
func recordFromObject(obj archive.ObjectRecord, dmfState string) Record {
	return Record{
		Collection:          obj.Collection,
		Object:              obj.Object,
		RemoteFile:          obj.RemoteFile,
		RemoteSize:          obj.RemoteSize,
		RemoteChecksum:      obj.RemoteChecksum,
		RemoteCreateTime:    obj.RemoteCreateTime,
		RemoteModifyTime:    obj.RemoteModifyTime,
		RemoteOwnerName:     obj.RemoteOwnerName,
		RemoteOwnerZone:     obj.RemoteOwnerZone,
		RemoteReplicaNumber: obj.RemoteReplicaNumber,
		RemoteReplicaStatus: obj.RemoteReplicaStatus,
		DMFState:            dmfState,
	}
}

func splitRemotePath(remoteFile string) (collection, object string) {
	idx := strings.LastIndex(remoteFile, "/")
	if idx < 0 {
		return "", remoteFile
	}
	return remoteFile[:idx], remoteFile[idx+1:]
}
