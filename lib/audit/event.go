// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import "time"

// Action identifies what happened. The values are stable wire/storage
// strings; never renumber or reuse them.
type Action string

const (
	// ActionCreated records a successful instance creation.
	ActionCreated Action = "created"

	// ActionExtended records a successful deadline extension.
	ActionExtended Action = "extended"

	// ActionStoppedManual records a stop requested by the owner or an
	// admin.
	ActionStoppedManual Action = "stopped_manual"

	// ActionStoppedAuto records a stop performed by the reaper on
	// expiry.
	ActionStoppedAuto Action = "stopped_auto"

	// ActionFlagIssued records credential issuance for an instance.
	ActionFlagIssued Action = "flag_issued"

	// ActionFlagValidated records an accepted flag submission.
	ActionFlagValidated Action = "flag_validated"

	// ActionFlagRejected records a rejected flag submission (wrong
	// guess or no credential bound — the two are indistinguishable at
	// the response boundary).
	ActionFlagRejected Action = "flag_rejected"

	// ActionFailedCreate records a creation attempt that ended in the
	// Failed state (provisioner or credential failure) or was rejected
	// outright (already running).
	ActionFailedCreate Action = "failed_create"

	// ActionFailedExtend records a rejected extension (limit reached,
	// lifetime cap, not running, not the owner).
	ActionFailedExtend Action = "failed_extend"

	// ActionFailedStop records a manual stop whose provisioner
	// teardown failed; the instance remains Running for retry.
	ActionFailedStop Action = "failed_stop"

	// ActionFailedExpire records a reaper expiry whose provisioner
	// teardown failed; the instance remains Running for the next
	// sweep.
	ActionFailedExpire Action = "failed_expire"

	// ActionKeyRotated records activation of a new flag encryption
	// key.
	ActionKeyRotated Action = "key_rotated"
)

// Event is one audit fact. Identifier fields are plain strings and may
// be empty: system-initiated events carry no principal, and a failed
// creation may have no instance ID yet.
type Event struct {
	// PrincipalID is the actor, or empty for system actions (reaper,
	// key rotation).
	PrincipalID string

	// InstanceID is the affected instance, if one exists.
	InstanceID string

	// ChallengeID is the affected challenge, if known.
	ChallengeID string

	// Action says what happened. Required.
	Action Action

	// Timestamp is when it happened. Filled by Record from the log's
	// clock if zero.
	Timestamp time.Time

	// Detail carries structured context: old/new deadlines, extension
	// numbers, error strings. Values must be JSON-encodable.
	Detail map[string]any
}

// Entry is a stored event as returned by Query: the event plus its
// position and hash in the chain.
type Entry struct {
	// Seq is the append sequence number, 1-based and gapless within
	// one log.
	Seq int64

	Event

	// Hash is the BLAKE3 chain hash of this entry.
	Hash []byte
}

// Filter selects events for Query. Zero-valued fields mean "no filter"
// for that dimension; all set fields must match (AND semantics).
type Filter struct {
	PrincipalID string
	InstanceID  string
	ChallengeID string
	Action      Action

	// After / Before bound the event timestamp (inclusive). Zero
	// means unbounded.
	After  time.Time
	Before time.Time

	// Limit caps the number of returned entries. Zero means the
	// default of 100.
	Limit int
}
