// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import "sync"

// keyedMutex serializes access per instance id. Entries are
// reference-counted and removed when the last holder releases, so the
// table stays proportional to in-flight operations rather than to
// every instance ever seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// lock blocks until the caller holds the id's lock and returns the
// release function.
func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	entry := k.entries[id]
	if entry == nil {
		entry = &lockEntry{}
		k.entries[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}
