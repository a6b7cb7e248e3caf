// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package instance owns the lifecycle state machine for challenge
// instances: creation, extension, manual stop, and reaper-driven
// expiry.
//
// States move Provisioning to Running (workload started, credential
// bound) or Failed (any creation step failed), and Running to
// Terminated (stopped or expired). Terminated and Failed are terminal.
//
// Every transition on one instance is serialized through a per-instance
// lock: status and counters are re-checked under the lock before the
// transition applies, so a concurrent extend and expire on the same
// instance cannot interleave between check and update. Operations on
// different instances share nothing but the database pool.
//
// The "at most one active instance per principal and challenge"
// invariant is a partial unique index in the store, enforced by the
// insert itself. Two racing create calls both reach the insert and the
// database picks the winner; there is no read-then-check window.
package instance
