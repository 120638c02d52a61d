// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package archive

// maxRuleBodyChars caps how many remote_file characters a single DMF
// resolution batch may carry, mirroring the microservice rule-body size
// limit that forces GetDmfObject.process_all to chunk its input (spec
// §4.6). A batch flushes before this would be exceeded.
const maxRuleBodyChars = 20000

// batchDMFQueries splits queries into chunks whose concatenated
// RemoteFile lengths do not exceed maxRuleBodyChars, preserving input order
// within each chunk. A single query whose RemoteFile alone exceeds the
// cap still gets its own one-element chunk.
func batchDMFQueries(queries []DMFQuery) [][]DMFQuery {
	var batches [][]DMFQuery
	var cur []DMFQuery
	curLen := 0

	flush := func() {
		if len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			curLen = 0
		}
	}

	for _, q := range queries {
		n := len(q.RemoteFile)
		if curLen+n > maxRuleBodyChars && len(cur) > 0 {
			flush()
		}
		cur = append(cur, q)
		curLen += n
	}
	flush()
	return batches
}
