// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy resolves the timing and limit policy that governs an
// instance's lifetime: how long it runs initially, how much each
// extension adds, how many extensions are allowed, and the hard
// lifetime cap.
//
// A [Resolver] holds one global default policy plus per-challenge
// overrides. Resolve never fails: a challenge without an override gets
// the default. The only way to end up without a usable policy is
// misconfiguration, which [NewResolver] rejects at construction — a
// fatal startup error, never a per-request one.
//
// The override table is read-mostly: every create and extend resolves a
// policy, while admin mutations are rare. Access is guarded by a
// RWMutex accordingly.
package policy
