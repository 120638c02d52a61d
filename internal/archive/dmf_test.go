// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package archive

import (
	"strings"
	"testing"
)

func TestBatchDMFQueriesStaysUnderCap(t *testing.T) {
	var queries []DMFQuery
	for i := 0; i < 500; i++ {
		queries = append(queries, DMFQuery{
			RemoteFile: strings.Repeat("x", 100),
			LocalFile:  "/tmp/f",
		})
	}

	batches := batchDMFQueries(queries)

	total := 0
	for _, b := range batches {
		length := 0
		for _, q := range b {
			length += len(q.RemoteFile)
		}
		if length > maxRuleBodyChars {
			t.Fatalf("batch exceeds cap: %d > %d", length, maxRuleBodyChars)
		}
		total += len(b)
	}
	if total != len(queries) {
		t.Fatalf("batching lost queries: got %d, want %d", total, len(queries))
	}
}

func TestBatchDMFQueriesPreservesOrderWithinBatch(t *testing.T) {
	queries := []DMFQuery{
		{RemoteFile: "/a", LocalFile: "/local/a"},
		{RemoteFile: "/b", LocalFile: "/local/b"},
		{RemoteFile: "/c", LocalFile: "/local/c"},
	}
	batches := batchDMFQueries(queries)
	if len(batches) != 1 {
		t.Fatalf("expected a single batch for small input, got %d", len(batches))
	}
	for i, q := range batches[0] {
		if q.RemoteFile != queries[i].RemoteFile {
			t.Fatalf("order not preserved at index %d: got %s, want %s", i, q.RemoteFile, queries[i].RemoteFile)
		}
	}
}

func TestBatchDMFQueriesEmptyInput(t *testing.T) {
	if batches := batchDMFQueries(nil); len(batches) != 0 {
		t.Fatalf("expected no batches for empty input, got %d", len(batches))
	}
}

func TestBatchDMFQueriesOversizedSingleEntry(t *testing.T) {
	queries := []DMFQuery{{RemoteFile: strings.Repeat("y", maxRuleBodyChars+1), LocalFile: "/local/huge"}}
	batches := batchDMFQueries(queries)
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected a single one-element batch for an oversized entry, got %v", batches)
	}
}
