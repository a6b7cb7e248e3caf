// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import "errors"

// Expected user-facing outcomes. Returned directly and always audited.
var (
	// ErrAlreadyRunning means the principal already has an active
	// instance for this challenge.
	ErrAlreadyRunning = errors.New("instance: an active instance already exists for this principal and challenge")

	// ErrNotRunning means the operation needs a Running instance and
	// the target is provisioning, terminated, or failed.
	ErrNotRunning = errors.New("instance: instance is not running")

	// ErrNotFound means no instance with the given id exists.
	ErrNotFound = errors.New("instance: not found")

	// ErrNotOwner means the requesting principal neither owns the
	// instance nor has admin standing.
	ErrNotOwner = errors.New("instance: requesting principal does not own this instance")

	// ErrExtensionLimitReached means every extension slot the policy
	// grants has been consumed.
	ErrExtensionLimitReached = errors.New("instance: extension limit reached")

	// ErrLifetimeCapReached means the deadline is already at the
	// policy's maximum lifetime, so an extension would not move it. No
	// extension slot is consumed.
	ErrLifetimeCapReached = errors.New("instance: lifetime cap reached")
)

// Infrastructure outcomes.
var (
	// ErrProvisionerUnavailable is a transient provisioner failure
	// that survived the bounded internal retries. The caller may try
	// again.
	ErrProvisionerUnavailable = errors.New("instance: provisioner unavailable")

	// ErrProvisionerRejected means the provisioner refused the
	// request. Fatal for this attempt; retrying the same request will
	// not help.
	ErrProvisionerRejected = errors.New("instance: provisioner rejected the request")

	// ErrStoreUnavailable is a transient storage failure that survived
	// the bounded internal retries.
	ErrStoreUnavailable = errors.New("instance: store unavailable")
)
