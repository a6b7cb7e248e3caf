// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"time"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	// StatusProvisioning is the initial state: the row exists (holding
	// the active-instance slot for its principal and challenge) but
	// the workload is still starting.
	StatusProvisioning Status = "provisioning"

	// StatusRunning means the workload is up and a credential is
	// bound. The only state extensions and stops apply to.
	StatusRunning Status = "running"

	// StatusTerminated is terminal: the workload was torn down by a
	// manual stop or reaper expiry.
	StatusTerminated Status = "terminated"

	// StatusFailed is terminal: creation failed before the instance
	// reached Running. No credential was retained.
	StatusFailed Status = "failed"
)

// Instance is one provisioned, time-bounded workload bound to exactly
// one principal and challenge.
type Instance struct {
	// ID is assigned at creation and never reused.
	ID string

	PrincipalID string
	ChallengeID string

	CreatedAt time.Time

	// ExpiresAt is the absolute deadline. Monotonically non-decreasing
	// across extensions, never past CreatedAt plus the policy's
	// maximum lifetime.
	ExpiresAt time.Time

	// ExtensionCount is how many extensions have been consumed.
	ExtensionCount int

	// LastExtendedAt is zero if the instance was never extended.
	LastExtendedAt time.Time

	Status Status

	// WorkloadHandle is the provisioner's opaque handle, needed for
	// teardown. Empty until the workload has started.
	WorkloadHandle string
}

// Active reports whether the instance holds the active-instance slot
// for its principal and challenge.
func (i Instance) Active() bool {
	return i.Status == StatusProvisioning || i.Status == StatusRunning
}
