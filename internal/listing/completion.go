// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package listing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tapearc/tapearcd/internal/archive"
)

// completionCacheTTL is how long the flat remote-path list is reused
// before a fresh archive pass is taken, per spec §4.7.
const completionCacheTTL = 60 * time.Second

// CompletionCache serves prefix-filtered completions over the archive's
// full remote-path catalog, refreshed at most once per completionCacheTTL.
type CompletionCache struct {
	arc            archive.Archive
	sessionTimeout time.Duration

	mu        sync.Mutex
	paths     []string
	fetchedAt time.Time
}

// NewCompletionCache constructs a cache backed by arc.
func NewCompletionCache(arc archive.Archive, sessionTimeout time.Duration) *CompletionCache {
	return &CompletionCache{arc: arc, sessionTimeout: sessionTimeout}
}

// Lookup returns every cached remote path whose prefix matches prefix,
// refreshing the cache first if it has expired.
func (c *CompletionCache) Lookup(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) > completionCacheTTL {
		paths, err := c.refresh(ctx)
		if err != nil {
			return nil, err
		}
		c.paths = paths
		c.fetchedAt = time.Now()
	}

	var matched []string
	for _, p := range c.paths {
		if strings.HasPrefix(p, prefix) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// refresh takes one full list_objects pass over the archive and collects
// every remote path into a flat slice.
func (c *CompletionCache) refresh(ctx context.Context) ([]string, error) {
	sess, err := c.arc.AcquireSession(ctx, c.sessionTimeout)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	objs, errc := c.arc.ListObjects(ctx, sess, archive.ListFilter{}, 0)
	var paths []string
	for obj := range objs {
		paths = append(paths, obj.RemoteFile)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return paths, nil
}
