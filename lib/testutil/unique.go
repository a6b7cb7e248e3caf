// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique principal, challenge, or instance identifiers that
// must be distinguishable in a shared store.
//
//	principal := testutil.UniqueID("team")     // "team-1", "team-2", ...
//	challenge := testutil.UniqueID("pwn-heap") // "pwn-heap-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
