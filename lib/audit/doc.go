// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records every lifecycle and credential event as an
// immutable, append-only fact. Events outlive the entities they
// reference: instance rows are purged when a competition ends, but the
// trail of who created, extended, and stopped them stays intact, so
// the identifier columns are plain text with no foreign keys.
//
// [Log.Record] is deliberately best-effort from the caller's point of
// view: a failed audit write must never fail or roll back the
// user-facing operation that triggered it. Failures are reported to
// the operational log at Error level and counted; callers never see
// them.
//
// Each event is chained to its predecessor with a BLAKE3 hash over the
// previous hash and the event's canonical encoding. [Log.Verify] walks
// the chain and reports the first event whose hash no longer matches —
// after-the-fact tampering with stored rows (changing a deadline in a
// detail blob, deleting an inconvenient rejection) breaks every
// subsequent link.
package audit
