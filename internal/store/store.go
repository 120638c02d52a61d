// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package store implements the on-disk ticket directory and its in-memory
// index (spec §4.2). One mutex guards every index mutation and the
// read-modify-write of any single ticket's persisted file, per spec §5.
package store

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/tapearc/tapearcd/internal/jsonutil"
	"github.com/tapearc/tapearcd/internal/ticket"
)

// zstdMagic is the four-byte frame magic klauspost/compress/zstd writes;
// used to recognize compressed ticket files transparently at load time.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Store is the daemon's ticket directory plus its in-memory index.
type Store struct {
	dir                    string
	compressThresholdBytes int
	logger                 *slog.Logger

	mu     sync.Mutex
	byID   map[ticket.Identity]*ticket.Ticket
	active map[ticket.Identity]bool
}

// Open creates a Store rooted at dir. It does not load tickets; call Load
// for that.
func Open(dir string, compressThresholdBytes int, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating ticket directory")
	}
	return &Store{
		dir:                    dir,
		compressThresholdBytes: compressThresholdBytes,
		logger:                 logger,
		byID:                   make(map[ticket.Identity]*ticket.Ticket),
		active:                 make(map[ticket.Identity]bool),
	}, nil
}

// Load walks the ticket directory, parses every *.json file, applies the
// crash-recovery rewrite to any ticket persisted mid-transfer, and
// populates the in-memory indices. A corrupt ticket file is a load
// failure, not a silently skipped entry, per spec §4.2.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "reading ticket directory")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		tk, err := s.readFile(path)
		if err != nil {
			return errors.Wrapf(err, "loading ticket file %s", e.Name())
		}

		if tk.RecoverInFlight() {
			s.logger.Warn("recovered in-flight ticket after crash",
				"local_file", tk.LocalFile, "remote_file", tk.RemoteFile)
			if err := s.writeFile(path, tk); err != nil {
				return errors.Wrapf(err, "rewriting recovered ticket %s", e.Name())
			}
		}

		id := tk.Identity()
		s.byID[id] = tk
		if tk.Status.IsActive() {
			s.active[id] = true
		}
	}
	return nil
}

// Get returns a copy-free pointer to the ticket with the given identity, if present.
func (s *Store) Get(id ticket.Identity) (*ticket.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.byID[id]
	return tk, ok
}

// Create atomically persists a new ticket and indexes it.
func (s *Store) Create(tk *ticket.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(filepath.Join(s.dir, tk.Filename()), tk); err != nil {
		return errors.Wrap(err, "creating ticket")
	}

	id := tk.Identity()
	s.byID[id] = tk
	if tk.Status.IsActive() {
		s.active[id] = true
	} else {
		delete(s.active, id)
	}
	return nil
}

// Update rewrites tk's file and its in-memory record, adjusting the active
// index based on tk.Status.
func (s *Store) Update(tk *ticket.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(filepath.Join(s.dir, tk.Filename()), tk); err != nil {
		return errors.Wrap(err, "updating ticket")
	}

	id := tk.Identity()
	s.byID[id] = tk
	if tk.Status.IsActive() {
		s.active[id] = true
	} else {
		delete(s.active, id)
	}
	return nil
}

// Delete removes the ticket's in-memory entries and best-effort removes its
// file; a removal failure is logged, not propagated, per spec §4.2.
func (s *Store) Delete(id ticket.Identity) {
	s.mu.Lock()
	tk, ok := s.byID[id]
	delete(s.byID, id)
	delete(s.active, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	path := filepath.Join(s.dir, tk.Filename())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Error("removing ticket file", "path", path, "error", err)
	}
}

// ActiveSnapshot returns a point-in-time copy of the identities currently
// in the active index, safe to range over without holding the store lock.
func (s *Store) ActiveSnapshot() []ticket.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ticket.Identity, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// All returns a point-in-time copy of every ticket in the store.
func (s *Store) All() []*ticket.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ticket.Ticket, 0, len(s.byID))
	for _, tk := range s.byID {
		out = append(out, tk)
	}
	return out
}

// readFile loads and decodes one ticket file, transparently decompressing
// it first if it was written zstd-compressed.
func (s *Store) readFile(path string) (*ticket.Ticket, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading ticket file")
	}

	if bytes.HasPrefix(raw, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(err, "constructing zstd decoder")
		}
		defer dec.Close()
		raw, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, errors.Wrap(err, "decompressing ticket file")
		}
	}

	var tk ticket.Ticket
	if err := jsonutil.Unmarshal(raw, &tk); err != nil {
		return nil, errors.Wrap(err, "parsing ticket JSON")
	}
	return &tk, nil
}

// writeFile encodes tk and writes it to path via write-temp-then-rename,
// so a crash mid-write cannot leave a half-written ticket file in place.
// Payloads at or above compressThresholdBytes are zstd-compressed first
// (checksums and tracebacks can make a ticket record large).
func (s *Store) writeFile(path string, tk *ticket.Ticket) error {
	data, err := jsonutil.Marshal(tk)
	if err != nil {
		return errors.Wrap(err, "marshaling ticket")
	}

	if s.compressThresholdBytes > 0 && len(data) >= s.compressThresholdBytes {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return errors.Wrap(err, "constructing zstd encoder")
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}

	tmp, err := os.CreateTemp(s.dir, ".ticket-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp ticket file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "writing temp ticket file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing temp ticket file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "renaming temp ticket file into place")
	}
	return nil
}
