// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/arena/lib/audit"
	"github.com/bureau-foundation/arena/lib/clock"
	"github.com/bureau-foundation/arena/lib/flagvault"
	"github.com/bureau-foundation/arena/lib/policy"
	"github.com/bureau-foundation/arena/lib/sqlitepool"
	"github.com/bureau-foundation/arena/lib/testutil"
)

var managerTestEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeProvisioner records starts and stops and captures the flag each
// workload was provisioned with.
type fakeProvisioner struct {
	mu         sync.Mutex
	nextHandle int
	startCalls int
	stopCalls  int
	failStarts int
	startErr   error
	stopErr    error
	flags      map[string]string
	live       map[string]bool
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		flags: make(map[string]string),
		live:  make(map[string]bool),
	}
}

func (p *fakeProvisioner) Start(ctx context.Context, spec Spec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	if p.failStarts > 0 {
		p.failStarts--
		return "", fmt.Errorf("%w: simulated outage", ErrProvisionerUnavailable)
	}
	if p.startErr != nil {
		return "", p.startErr
	}
	p.nextHandle++
	handle := fmt.Sprintf("workload-%d", p.nextHandle)
	p.flags[spec.InstanceID] = spec.Flag.String()
	p.live[handle] = true
	return handle, nil
}

func (p *fakeProvisioner) Stop(ctx context.Context, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	if p.stopErr != nil {
		return p.stopErr
	}
	delete(p.live, handle)
	return nil
}

func (p *fakeProvisioner) flagFor(instanceID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags[instanceID]
}

func (p *fakeProvisioner) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type harness struct {
	manager     *Manager
	provisioner *fakeProvisioner
	clock       *clock.FakeClock
	auditLog    *audit.Log
	store       *Store
}

func newHarness(t *testing.T, pol policy.Policy, retryAttempts int) *harness {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "instance_test.db"),
		PoolSize: 4,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, Schema+flagvault.Schema+audit.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fakeClock := clock.Fake(managerTestEpoch)
	logger := slog.New(slog.DiscardHandler)

	auditLog, err := audit.Open(context.Background(), audit.Config{
		Pool: pool, Clock: fakeClock, Logger: logger,
	})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	keyring, err := flagvault.NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	t.Cleanup(func() { keyring.Close() })

	vault, err := flagvault.New(flagvault.Config{
		Pool: pool, Keyring: keyring, Clock: fakeClock, Logger: logger, Audit: auditLog,
	})
	if err != nil {
		t.Fatalf("flagvault.New: %v", err)
	}

	resolver, err := policy.NewResolver(pol, nil)
	if err != nil {
		t.Fatalf("policy.NewResolver: %v", err)
	}

	provisioner := newFakeProvisioner()
	store := NewStore(pool)
	manager, err := NewManager(Config{
		Store:         store,
		Vault:         vault,
		Policies:      resolver,
		Provisioner:   provisioner,
		Audit:         auditLog,
		Clock:         fakeClock,
		Logger:        logger,
		RetryAttempts: retryAttempts,
		RetryBackoff:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return &harness{
		manager:     manager,
		provisioner: provisioner,
		clock:       fakeClock,
		auditLog:    auditLog,
		store:       store,
	}
}

func contestPolicy() policy.Policy {
	return policy.Policy{
		BaseRuntime:        900 * time.Second,
		ExtensionIncrement: 900 * time.Second,
		MaxExtensions:      5,
		MaxLifetime:        5400 * time.Second,
	}
}

func (h *harness) countEvents(t *testing.T, action audit.Action) int {
	t.Helper()
	entries, err := h.auditLog.Query(context.Background(), audit.Filter{Action: action, Limit: 1000})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	return len(entries)
}

func TestCreateRunsInstance(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.Status != StatusRunning {
		t.Errorf("Status = %q, want running", inst.Status)
	}
	wantExpiry := managerTestEpoch.Add(900 * time.Second)
	if !inst.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", inst.ExpiresAt, wantExpiry)
	}

	// The workload received the same flag the vault bound.
	flag := h.provisioner.flagFor(inst.ID)
	if flag == "" {
		t.Fatal("provisioner did not receive a flag")
	}
	accepted, err := h.manager.SubmitFlag(ctx, inst.ID, Requestor{PrincipalID: "team-7"}, flag)
	if err != nil {
		t.Fatalf("SubmitFlag: %v", err)
	}
	if !accepted {
		t.Error("provisioned flag rejected")
	}

	if got := h.countEvents(t, audit.ActionCreated); got != 1 {
		t.Errorf("created events = %d, want 1", got)
	}
	if got := h.countEvents(t, audit.ActionFlagIssued); got != 1 {
		t.Errorf("flag_issued events = %d, want 1", got)
	}
}

func TestCreateRejectsSecondActiveInstance(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()

	if _, err := h.manager.Create(ctx, "team-7", "pwn-heap"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Create error = %v, want ErrAlreadyRunning", err)
	}

	// A different challenge for the same principal is fine.
	if _, err := h.manager.Create(ctx, "team-7", "web-sqli"); err != nil {
		t.Fatalf("Create for second challenge: %v", err)
	}
}

func TestCreateProvisionerRejected(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()

	h.provisioner.startErr = errors.New("no such image")
	_, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if !errors.Is(err, ErrProvisionerRejected) {
		t.Fatalf("Create error = %v, want ErrProvisionerRejected", err)
	}

	if got := h.countEvents(t, audit.ActionFailedCreate); got != 1 {
		t.Errorf("failed_create events = %d, want 1", got)
	}

	// The failed row released the active slot: a retry succeeds.
	h.provisioner.startErr = nil
	if _, err := h.manager.Create(ctx, "team-7", "pwn-heap"); err != nil {
		t.Fatalf("Create after failure: %v", err)
	}
}

func TestCreateRetriesTransientProvisionerFailure(t *testing.T) {
	h := newHarness(t, contestPolicy(), 3)
	ctx := context.Background()
	h.provisioner.failStarts = 2

	type outcome struct {
		inst Instance
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
		done <- outcome{inst, err}
	}()

	// Two failed attempts mean two backoff sleeps.
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)
	h.clock.WaitForTimers(1)
	h.clock.Advance(2 * time.Second)

	result := testutil.RequireReceive(t, done, 5*time.Second, "create did not finish")
	if result.err != nil {
		t.Fatalf("Create: %v", result.err)
	}
	if result.inst.Status != StatusRunning {
		t.Errorf("Status = %q, want running", result.inst.Status)
	}
	if h.provisioner.startCalls != 3 {
		t.Errorf("start calls = %d, want 3", h.provisioner.startCalls)
	}
}

func TestExtendScenario(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()
	owner := Requestor{PrincipalID: "team-7"}

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 1; i <= 5; i++ {
		inst, err = h.manager.Extend(ctx, inst.ID, owner)
		if err != nil {
			t.Fatalf("Extend %d: %v", i, err)
		}
		wantExpiry := managerTestEpoch.Add(time.Duration(900*(i+1)) * time.Second)
		if !inst.ExpiresAt.Equal(wantExpiry) {
			t.Errorf("after extend %d: ExpiresAt = %v, want %v", i, inst.ExpiresAt, wantExpiry)
		}
		if inst.ExtensionCount != i {
			t.Errorf("after extend %d: ExtensionCount = %d", i, inst.ExtensionCount)
		}
	}

	// All slots consumed; the deadline sits exactly at the cap.
	if !inst.ExpiresAt.Equal(managerTestEpoch.Add(5400 * time.Second)) {
		t.Errorf("final ExpiresAt = %v, want cap", inst.ExpiresAt)
	}
	_, err = h.manager.Extend(ctx, inst.ID, owner)
	if !errors.Is(err, ErrExtensionLimitReached) {
		t.Fatalf("sixth Extend error = %v, want ErrExtensionLimitReached", err)
	}

	final, err := h.manager.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if final.ExtensionCount != 5 {
		t.Errorf("ExtensionCount = %d, want 5", final.ExtensionCount)
	}
	if got := h.countEvents(t, audit.ActionExtended); got != 5 {
		t.Errorf("extended events = %d, want 5", got)
	}
	if got := h.countEvents(t, audit.ActionFailedExtend); got != 1 {
		t.Errorf("failed_extend events = %d, want 1", got)
	}
}

func TestExtendClampsAtLifetimeCap(t *testing.T) {
	pol := policy.Policy{
		BaseRuntime:        900 * time.Second,
		ExtensionIncrement: 900 * time.Second,
		MaxExtensions:      10,
		MaxLifetime:        2000 * time.Second,
	}
	h := newHarness(t, pol, 1)
	ctx := context.Background()
	owner := Requestor{PrincipalID: "team-7"}

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	inst, err = h.manager.Extend(ctx, inst.ID, owner)
	if err != nil {
		t.Fatalf("first Extend: %v", err)
	}
	if !inst.ExpiresAt.Equal(managerTestEpoch.Add(1800 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want 1800s", inst.ExpiresAt)
	}

	// Clamped to the cap, still consumes a slot.
	inst, err = h.manager.Extend(ctx, inst.ID, owner)
	if err != nil {
		t.Fatalf("second Extend: %v", err)
	}
	if !inst.ExpiresAt.Equal(managerTestEpoch.Add(2000 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want 2000s cap", inst.ExpiresAt)
	}
	if inst.ExtensionCount != 2 {
		t.Errorf("ExtensionCount = %d, want 2", inst.ExtensionCount)
	}

	// Already at the cap: rejected without consuming a slot.
	_, err = h.manager.Extend(ctx, inst.ID, owner)
	if !errors.Is(err, ErrLifetimeCapReached) {
		t.Fatalf("third Extend error = %v, want ErrLifetimeCapReached", err)
	}
	final, err := h.manager.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if final.ExtensionCount != 2 {
		t.Errorf("ExtensionCount after cap rejection = %d, want 2", final.ExtensionCount)
	}
}

func TestExtendOwnership(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = h.manager.Extend(ctx, inst.ID, Requestor{PrincipalID: "team-8"})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Extend by non-owner error = %v, want ErrNotOwner", err)
	}
	if _, err := h.manager.Extend(ctx, inst.ID, Requestor{PrincipalID: "operator", Admin: true}); err != nil {
		t.Fatalf("Extend by admin: %v", err)
	}
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := h.manager.Create(ctx, "team-7", "pwn-heap")
			results <- err
		}()
	}

	var successes, alreadyRunning int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyRunning):
			alreadyRunning++
		default:
			t.Fatalf("unexpected Create error: %v", err)
		}
	}
	if successes != 1 || alreadyRunning != 1 {
		t.Fatalf("successes = %d, already-running = %d; want 1 and 1", successes, alreadyRunning)
	}
	if h.provisioner.liveCount() != 1 {
		t.Errorf("live workloads = %d, want 1", h.provisioner.liveCount())
	}
}

func TestStopIsObservablyIdempotent(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()
	owner := Requestor{PrincipalID: "team-7"}

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	flag := h.provisioner.flagFor(inst.ID)

	if err := h.manager.Stop(ctx, inst.ID, owner); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err = h.manager.Stop(ctx, inst.ID, owner)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop error = %v, want ErrNotRunning", err)
	}
	if h.provisioner.stopCalls != 1 {
		t.Errorf("stop calls = %d, want 1 (no double teardown)", h.provisioner.stopCalls)
	}

	// Credential revoked with the instance.
	accepted, err := h.manager.SubmitFlag(ctx, inst.ID, owner, flag)
	if err != nil {
		t.Fatalf("SubmitFlag: %v", err)
	}
	if accepted {
		t.Error("flag accepted after stop")
	}
	if got := h.countEvents(t, audit.ActionStoppedManual); got != 1 {
		t.Errorf("stopped_manual events = %d, want 1", got)
	}

	// The rejected second stop still leaves a trace.
	rejections, err := h.auditLog.Query(ctx, audit.Filter{Action: audit.ActionFailedStop, Limit: 10})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(rejections) != 1 {
		t.Fatalf("failed_stop events = %d, want 1", len(rejections))
	}
	if got := rejections[0].Detail["reason"]; got != "not_running" {
		t.Errorf("failed_stop reason = %v, want not_running", got)
	}

	// The reaper hitting an already-terminated instance is routine and
	// records nothing.
	if err := h.manager.Expire(ctx, inst.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Expire error = %v, want ErrNotRunning", err)
	}
	if got := h.countEvents(t, audit.ActionFailedExpire); got != 0 {
		t.Errorf("failed_expire events = %d, want 0", got)
	}
}

func TestTeardownFailureLeavesInstanceRunning(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()
	owner := Requestor{PrincipalID: "team-7"}

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	flag := h.provisioner.flagFor(inst.ID)

	h.provisioner.stopErr = fmt.Errorf("%w: runtime hiccup", ErrProvisionerUnavailable)
	err = h.manager.Stop(ctx, inst.ID, owner)
	if !errors.Is(err, ErrProvisionerUnavailable) {
		t.Fatalf("Stop error = %v, want ErrProvisionerUnavailable", err)
	}

	// Never terminated while the workload may be live.
	current, err := h.manager.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if current.Status != StatusRunning {
		t.Errorf("Status = %q, want running after failed teardown", current.Status)
	}
	if got := h.countEvents(t, audit.ActionFailedStop); got != 1 {
		t.Errorf("failed_stop events = %d, want 1", got)
	}

	// The credential survives until teardown actually succeeds.
	accepted, err := h.manager.SubmitFlag(ctx, inst.ID, owner, flag)
	if err != nil {
		t.Fatalf("SubmitFlag: %v", err)
	}
	if !accepted {
		t.Error("flag rejected while instance still running")
	}

	h.provisioner.stopErr = nil
	if err := h.manager.Stop(ctx, inst.ID, owner); err != nil {
		t.Fatalf("retried Stop: %v", err)
	}
	current, err = h.manager.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if current.Status != StatusTerminated {
		t.Errorf("Status = %q, want terminated", current.Status)
	}
}

func TestExpireLosesRaceToExtension(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()
	owner := Requestor{PrincipalID: "team-7"}

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Past the original deadline, but an extension lands first.
	h.clock.Advance(901 * time.Second)
	if _, err := h.manager.Extend(ctx, inst.ID, owner); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := h.manager.Expire(ctx, inst.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}

	current, err := h.manager.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if current.Status != StatusRunning {
		t.Errorf("Status = %q, want running (expire lost the race)", current.Status)
	}
	if got := h.countEvents(t, audit.ActionStoppedAuto); got != 0 {
		t.Errorf("stopped_auto events = %d, want 0", got)
	}
}

func TestExpireTerminatesPastDeadline(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)
	ctx := context.Background()

	inst, err := h.manager.Create(ctx, "team-7", "pwn-heap")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h.clock.Advance(901 * time.Second)

	if err := h.manager.Expire(ctx, inst.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	current, err := h.manager.Status(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if current.Status != StatusTerminated {
		t.Errorf("Status = %q, want terminated", current.Status)
	}
	if got := h.countEvents(t, audit.ActionStoppedAuto); got != 1 {
		t.Errorf("stopped_auto events = %d, want 1", got)
	}
	if h.provisioner.liveCount() != 0 {
		t.Errorf("live workloads = %d, want 0", h.provisioner.liveCount())
	}
}

func TestSubmitFlagUnknownInstance(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)

	accepted, err := h.manager.SubmitFlag(context.Background(), "no-such-instance", Requestor{PrincipalID: "team-7"}, "ARENA{guess}")
	if err != nil {
		t.Fatalf("SubmitFlag: %v", err)
	}
	if accepted {
		t.Error("submission against unknown instance accepted")
	}
}

func TestStatusUnknownInstance(t *testing.T) {
	h := newHarness(t, contestPolicy(), 1)

	_, err := h.manager.Status(context.Background(), "no-such-instance")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status error = %v, want ErrNotFound", err)
	}
}
