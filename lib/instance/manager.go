// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/arena/lib/audit"
	"github.com/bureau-foundation/arena/lib/clock"
	"github.com/bureau-foundation/arena/lib/flagvault"
	"github.com/bureau-foundation/arena/lib/policy"
)

// Requestor identifies who asked for an operation. Admin requestors
// may act on instances they do not own.
type Requestor struct {
	PrincipalID string
	Admin       bool
}

// System is the requestor for internally initiated operations, such as
// reaper expiry. Its audit events carry no principal.
var System = Requestor{Admin: true}

// Manager drives the instance state machine. Safe for concurrent use;
// operations on the same instance are serialized internally.
type Manager struct {
	store       *Store
	vault       *flagvault.Vault
	policies    *policy.Resolver
	provisioner Provisioner
	audit       *audit.Log
	clock       clock.Clock
	logger      *slog.Logger

	locks *keyedMutex

	provisionTimeout time.Duration
	teardownTimeout  time.Duration
	retryAttempts    int
	retryBackoff     time.Duration
}

// Config holds the parameters for constructing a Manager.
type Config struct {
	// Store persists instance rows. Required.
	Store *Store

	// Vault issues and revokes instance credentials. Required.
	Vault *flagvault.Vault

	// Policies resolves timing limits per challenge. Required.
	Policies *policy.Resolver

	// Provisioner starts and stops workloads. Required.
	Provisioner Provisioner

	// Audit receives lifecycle events. Required.
	Audit *audit.Log

	// Clock drives deadlines and retry backoff. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// ProvisionTimeout bounds each Provisioner.Start attempt.
	// Defaults to 30 seconds.
	ProvisionTimeout time.Duration

	// TeardownTimeout bounds each Provisioner.Stop attempt. Defaults
	// to 30 seconds.
	TeardownTimeout time.Duration

	// RetryAttempts is how many times a transient provisioner failure
	// is tried before surfacing. Defaults to 3.
	RetryAttempts int

	// RetryBackoff is the sleep before the first retry; it doubles
	// per attempt. Defaults to 2 seconds.
	RetryBackoff time.Duration
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("instance: Store is required")
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("instance: Vault is required")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("instance: Policies is required")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("instance: Provisioner is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("instance: Audit is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("instance: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("instance: Logger is required")
	}

	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 30 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}

	return &Manager{
		store:            cfg.Store,
		vault:            cfg.Vault,
		policies:         cfg.Policies,
		provisioner:      cfg.Provisioner,
		audit:            cfg.Audit,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		locks:            newKeyedMutex(),
		provisionTimeout: cfg.ProvisionTimeout,
		teardownTimeout:  cfg.TeardownTimeout,
		retryAttempts:    cfg.RetryAttempts,
		retryBackoff:     cfg.RetryBackoff,
	}, nil
}

// Create provisions a new instance for the principal and challenge.
// The row is inserted as provisioning first: the insert itself
// enforces the one-active-instance invariant, and the slot is held
// while the workload starts. On provisioner success a credential is
// bound and the instance moves to running; on any failure it moves to
// failed with no credential retained.
func (m *Manager) Create(ctx context.Context, principalID, challengeID string) (Instance, error) {
	pol := m.policies.Resolve(challengeID)
	now := m.clock.Now()

	inst := Instance{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		ChallengeID: challengeID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(pol.BaseRuntime),
		Status:      StatusProvisioning,
	}

	if err := m.store.Insert(ctx, inst); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			m.audit.Record(ctx, audit.Event{
				PrincipalID: principalID,
				ChallengeID: challengeID,
				Action:      audit.ActionFailedCreate,
				Detail:      map[string]any{"reason": "already_running"},
			})
		}
		return Instance{}, err
	}

	unlock := m.locks.lock(inst.ID)
	defer unlock()

	flag, err := flagvault.Generate()
	if err != nil {
		return Instance{}, m.failCreate(ctx, inst, err)
	}
	defer flag.Close()

	spec := Spec{
		InstanceID:  inst.ID,
		PrincipalID: principalID,
		ChallengeID: challengeID,
		Deadline:    inst.ExpiresAt,
		Flag:        flag,
	}
	handle, err := m.startWorkload(ctx, spec)
	if err != nil {
		return Instance{}, m.failCreate(ctx, inst, err)
	}

	actor := flagvault.Actor{PrincipalID: principalID, ChallengeID: challengeID}
	if _, err := m.vault.Bind(ctx, inst.ID, flag, actor); err != nil {
		if errors.Is(err, flagvault.ErrDuplicateBinding) {
			m.logger.Error("credential already bound for new instance",
				"instance", inst.ID, "error", err)
		}
		m.stopOrphanedWorkload(handle, inst.ID)
		return Instance{}, m.failCreate(ctx, inst, err)
	}

	if _, err := m.store.SetRunning(ctx, inst.ID, handle); err != nil {
		m.stopOrphanedWorkload(handle, inst.ID)
		revokeErr := m.vault.Revoke(ctx, inst.ID)
		if revokeErr != nil {
			m.logger.Error("revoking credential for failed create",
				"instance", inst.ID, "error", revokeErr)
		}
		return Instance{}, m.failCreate(ctx, inst, err)
	}
	inst.Status = StatusRunning
	inst.WorkloadHandle = handle

	m.audit.Record(ctx, audit.Event{
		PrincipalID: principalID,
		InstanceID:  inst.ID,
		ChallengeID: challengeID,
		Action:      audit.ActionCreated,
		Detail: map[string]any{
			"expires_at": inst.ExpiresAt.Format(time.RFC3339),
		},
	})
	m.logger.Info("instance created",
		"instance", inst.ID,
		"principal", principalID,
		"challenge", challengeID,
		"expires_at", inst.ExpiresAt,
	)
	return inst, nil
}

// failCreate moves the instance to failed, audits, and returns the
// causing error.
func (m *Manager) failCreate(ctx context.Context, inst Instance, cause error) error {
	if _, err := m.store.SetFailed(ctx, inst.ID); err != nil {
		m.logger.Error("marking instance failed", "instance", inst.ID, "error", err)
	}
	m.audit.Record(ctx, audit.Event{
		PrincipalID: inst.PrincipalID,
		InstanceID:  inst.ID,
		ChallengeID: inst.ChallengeID,
		Action:      audit.ActionFailedCreate,
		Detail:      map[string]any{"error": cause.Error()},
	})
	return cause
}

// stopOrphanedWorkload tears down a workload whose instance never
// reached running. Best effort: the deadline is fresh because the
// caller's context may already be done.
func (m *Manager) stopOrphanedWorkload(handle, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	defer cancel()
	if err := m.provisioner.Stop(ctx, handle); err != nil {
		m.logger.Error("tearing down orphaned workload",
			"instance", instanceID, "handle", handle, "error", err)
	}
}

// Extend advances the instance's deadline by the policy increment,
// clamped at the lifetime cap, consuming one extension slot. The
// requestor must own the instance or be admin.
func (m *Manager) Extend(ctx context.Context, instanceID string, requestor Requestor) (Instance, error) {
	unlock := m.locks.lock(instanceID)
	defer unlock()

	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return Instance{}, err
	}
	if !requestor.Admin && requestor.PrincipalID != inst.PrincipalID {
		return Instance{}, fmt.Errorf("%s: %w", instanceID, ErrNotOwner)
	}
	pol := m.policies.Resolve(inst.ChallengeID)

	reject := func(cause error, reason string) (Instance, error) {
		m.audit.Record(ctx, audit.Event{
			PrincipalID: requestor.PrincipalID,
			InstanceID:  inst.ID,
			ChallengeID: inst.ChallengeID,
			Action:      audit.ActionFailedExtend,
			Detail:      map[string]any{"reason": reason},
		})
		return Instance{}, fmt.Errorf("%s: %w", instanceID, cause)
	}

	if inst.Status != StatusRunning {
		return reject(ErrNotRunning, "not_running")
	}
	if inst.ExtensionCount >= pol.MaxExtensions {
		return reject(ErrExtensionLimitReached, "extension_limit")
	}

	lifetimeCap := inst.CreatedAt.Add(pol.MaxLifetime)
	candidate := inst.ExpiresAt.Add(pol.ExtensionIncrement)
	if candidate.After(lifetimeCap) {
		candidate = lifetimeCap
	}
	if !candidate.After(inst.ExpiresAt) {
		// Already pinned at the cap: no slot is consumed.
		return reject(ErrLifetimeCapReached, "lifetime_cap")
	}

	now := m.clock.Now()
	applied, err := m.store.ApplyExtension(ctx, inst.ID, inst.ExtensionCount, candidate, now)
	if err != nil {
		return Instance{}, err
	}
	if !applied {
		// The row changed under us despite the per-instance lock:
		// an impossible state, so fail closed.
		m.logger.Error("extension lost a conditional update under lock", "instance", inst.ID)
		return Instance{}, fmt.Errorf("%s: %w", instanceID, ErrNotRunning)
	}

	oldExpiry := inst.ExpiresAt
	inst.ExpiresAt = candidate
	inst.ExtensionCount++
	inst.LastExtendedAt = now

	m.audit.Record(ctx, audit.Event{
		PrincipalID: requestor.PrincipalID,
		InstanceID:  inst.ID,
		ChallengeID: inst.ChallengeID,
		Action:      audit.ActionExtended,
		Detail: map[string]any{
			"old_deadline": oldExpiry.Format(time.RFC3339),
			"new_deadline": candidate.Format(time.RFC3339),
			"extension":    inst.ExtensionCount,
		},
	})
	return inst, nil
}

// Stop tears down a running instance at the owner's (or an admin's)
// request. The workload is stopped first: if teardown fails the
// instance stays running with a failure event recorded, and the next
// reaper sweep or a retried stop finishes the job. The instance is
// never marked terminated while its workload may be live.
func (m *Manager) Stop(ctx context.Context, instanceID string, requestor Requestor) error {
	unlock := m.locks.lock(instanceID)
	defer unlock()
	return m.terminate(ctx, instanceID, requestor, audit.ActionStoppedManual, audit.ActionFailedStop, nil)
}

// Expire is the reaper's entry point: a system-initiated stop that
// additionally no-ops when the deadline moved into the future, so an
// expiry racing an extension loses cleanly.
func (m *Manager) Expire(ctx context.Context, instanceID string) error {
	unlock := m.locks.lock(instanceID)
	defer unlock()

	deadlineCheck := func(inst Instance) bool {
		return !inst.ExpiresAt.After(m.clock.Now())
	}
	return m.terminate(ctx, instanceID, System, audit.ActionStoppedAuto, audit.ActionFailedExpire, deadlineCheck)
}

// terminate is the shared stop/expire path. Caller holds the
// per-instance lock. eligible, when non-nil, is re-checked under the
// lock and a false result is a silent no-op rather than an error.
func (m *Manager) terminate(ctx context.Context, instanceID string, requestor Requestor, action, failureAction audit.Action, eligible func(Instance) bool) error {
	inst, err := m.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusRunning {
		if eligible == nil {
			// A manual stop of a non-running instance is a rejected
			// request and leaves a trace. The reaper racing a prior
			// teardown stays silent: that is routine, not an error.
			m.audit.Record(ctx, audit.Event{
				PrincipalID: requestor.PrincipalID,
				InstanceID:  inst.ID,
				ChallengeID: inst.ChallengeID,
				Action:      failureAction,
				Detail:      map[string]any{"reason": "not_running"},
			})
		}
		return fmt.Errorf("%s: %w", instanceID, ErrNotRunning)
	}
	if !requestor.Admin && requestor.PrincipalID != inst.PrincipalID {
		return fmt.Errorf("%s: %w", instanceID, ErrNotOwner)
	}
	if eligible != nil && !eligible(inst) {
		return nil
	}

	if err := m.stopWorkload(ctx, inst.WorkloadHandle); err != nil {
		m.audit.Record(ctx, audit.Event{
			PrincipalID: requestor.PrincipalID,
			InstanceID:  inst.ID,
			ChallengeID: inst.ChallengeID,
			Action:      failureAction,
			Detail:      map[string]any{"error": err.Error()},
		})
		m.logger.Warn("workload teardown failed, instance stays running",
			"instance", inst.ID, "error", err)
		return err
	}

	if err := m.vault.Revoke(ctx, inst.ID); err != nil {
		// The workload is already down; refusing to terminate now
		// would strand it. Log loudly and continue.
		m.logger.Error("revoking credential during teardown",
			"instance", inst.ID, "error", err)
	}

	terminated, err := m.store.SetTerminated(ctx, inst.ID)
	if err != nil {
		return err
	}
	if !terminated {
		m.logger.Error("terminate lost a conditional update under lock", "instance", inst.ID)
		return fmt.Errorf("%s: %w", instanceID, ErrNotRunning)
	}

	m.audit.Record(ctx, audit.Event{
		PrincipalID: requestor.PrincipalID,
		InstanceID:  inst.ID,
		ChallengeID: inst.ChallengeID,
		Action:      action,
	})
	m.logger.Info("instance terminated", "instance", inst.ID, "action", string(action))
	return nil
}

// SubmitFlag validates a flag submission against the instance's
// credential. An unknown instance or a revoked credential is an
// ordinary rejection, indistinguishable from a wrong guess.
func (m *Manager) SubmitFlag(ctx context.Context, instanceID string, requestor Requestor, submission string) (bool, error) {
	actor := flagvault.Actor{PrincipalID: requestor.PrincipalID}
	inst, err := m.store.Get(ctx, instanceID)
	if err == nil {
		actor.ChallengeID = inst.ChallengeID
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return m.vault.Validate(ctx, instanceID, submission, actor)
}

// Status returns the instance record.
func (m *Manager) Status(ctx context.Context, instanceID string) (Instance, error) {
	return m.store.Get(ctx, instanceID)
}

// ListActive returns every provisioning or running instance.
func (m *Manager) ListActive(ctx context.Context) ([]Instance, error) {
	return m.store.ListActive(ctx)
}

// startWorkload runs Provisioner.Start with a per-attempt timeout and
// bounded retries on transient failure.
func (m *Manager) startWorkload(ctx context.Context, spec Spec) (string, error) {
	var lastErr error
	backoff := m.retryBackoff
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			m.clock.Sleep(backoff)
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.provisionTimeout)
		handle, err := m.provisioner.Start(attemptCtx, spec)
		cancel()
		if err == nil {
			return handle, nil
		}
		lastErr = err

		if !retryable(err) {
			return "", fmt.Errorf("%w: %w", ErrProvisionerRejected, err)
		}
		m.logger.Warn("provisioner start failed, will retry",
			"instance", spec.InstanceID, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("%w: %w", ErrProvisionerUnavailable, lastErr)
}

// stopWorkload runs Provisioner.Stop with a per-attempt timeout and
// bounded retries on transient failure.
func (m *Manager) stopWorkload(ctx context.Context, handle string) error {
	var lastErr error
	backoff := m.retryBackoff
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			m.clock.Sleep(backoff)
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, m.teardownTimeout)
		err := m.provisioner.Stop(attemptCtx, handle)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return fmt.Errorf("%w: %w", ErrProvisionerRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrProvisionerUnavailable, lastErr)
}

// retryable reports whether a provisioner error is worth another
// attempt: explicit transient failures and timeouts.
func retryable(err error) bool {
	return errors.Is(err, ErrProvisionerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
