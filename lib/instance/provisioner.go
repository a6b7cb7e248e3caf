// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"time"

	"github.com/bureau-foundation/arena/lib/secret"
)

// Spec describes the workload a provisioner should start.
type Spec struct {
	InstanceID  string
	PrincipalID string
	ChallengeID string

	// Deadline is the instance's initial expiry. Advisory: the manager
	// and reaper own enforcement, but provisioners can use it to set
	// workload-level limits.
	Deadline time.Time

	// Flag is the plaintext credential for the workload to present to
	// the solver. Borrowed for the duration of the Start call; the
	// provisioner must copy what it needs and must not retain the
	// buffer.
	Flag *secret.Buffer
}

// Provisioner starts and stops challenge workloads. Implementations
// are opaque to this package: container runtimes, VM pools, or fakes
// in tests.
//
// Start returns a handle the manager stores for later teardown.
// Transient failures (the kind a retry may cure) must be reported by
// wrapping [ErrProvisionerUnavailable]; any other error is treated as
// a rejection of the request. The manager applies its own bounded
// retries, so implementations should fail fast rather than retry
// internally.
type Provisioner interface {
	Start(ctx context.Context, spec Spec) (handle string, err error)
	Stop(ctx context.Context, handle string) error
}
