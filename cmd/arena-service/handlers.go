// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/arena/lib/audit"
	"github.com/bureau-foundation/arena/lib/codec"
	"github.com/bureau-foundation/arena/lib/flagvault"
	"github.com/bureau-foundation/arena/lib/instance"
	"github.com/bureau-foundation/arena/lib/policy"
	"github.com/bureau-foundation/arena/lib/service"
	"github.com/bureau-foundation/arena/lib/version"
)

// handlerDeps is everything the socket actions touch.
type handlerDeps struct {
	manager  *instance.Manager
	vault    *flagvault.Vault
	policies *policy.Resolver
	auditLog *audit.Log
	keyPath  string
}

// instanceView is the wire form of an instance. The workload handle
// stays internal.
type instanceView struct {
	InstanceID     string `cbor:"instance_id"`
	PrincipalID    string `cbor:"principal_id"`
	ChallengeID    string `cbor:"challenge_id"`
	Status         string `cbor:"status"`
	CreatedAt      string `cbor:"created_at"`
	ExpiresAt      string `cbor:"expires_at"`
	ExtensionCount int    `cbor:"extension_count"`
	LastExtendedAt string `cbor:"last_extended_at,omitempty"`
}

func viewOf(inst instance.Instance) instanceView {
	view := instanceView{
		InstanceID:     inst.ID,
		PrincipalID:    inst.PrincipalID,
		ChallengeID:    inst.ChallengeID,
		Status:         string(inst.Status),
		CreatedAt:      inst.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:      inst.ExpiresAt.UTC().Format(time.RFC3339),
		ExtensionCount: inst.ExtensionCount,
	}
	if !inst.LastExtendedAt.IsZero() {
		view.LastExtendedAt = inst.LastExtendedAt.UTC().Format(time.RFC3339)
	}
	return view
}

func requestorOf(caller service.Caller) instance.Requestor {
	return instance.Requestor{PrincipalID: caller.Principal, Admin: caller.Admin}
}

func requireAdmin(caller service.Caller) error {
	if !caller.Admin {
		return fmt.Errorf("admin privileges required")
	}
	return nil
}

// registerHandlers wires every socket action onto the server.
func registerHandlers(server *service.SocketServer, deps handlerDeps) {
	server.Handle("create", deps.handleCreate)
	server.Handle("extend", deps.handleExtend)
	server.Handle("stop", deps.handleStop)
	server.Handle("status", deps.handleStatus)
	server.Handle("submit_flag", deps.handleSubmitFlag)
	server.Handle("list", deps.handleList)
	server.Handle("audit_query", deps.handleAuditQuery)
	server.Handle("audit_verify", deps.handleAuditVerify)
	server.Handle("rotate_key", deps.handleRotateKey)
	server.Handle("policy_set_default", deps.handlePolicySetDefault)
	server.Handle("policy_set_override", deps.handlePolicySetOverride)
	server.Handle("policy_remove_override", deps.handlePolicyRemoveOverride)
	server.Handle("service_status", deps.handleServiceStatus)
}

func (d handlerDeps) handleCreate(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var req struct {
		ChallengeID string `cbor:"challenge_id"`
	}
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if caller.Principal == "" {
		return nil, fmt.Errorf("principal is required")
	}
	if req.ChallengeID == "" {
		return nil, fmt.Errorf("challenge_id is required")
	}
	inst, err := d.manager.Create(ctx, caller.Principal, req.ChallengeID)
	if err != nil {
		return nil, err
	}
	return viewOf(inst), nil
}

func (d handlerDeps) handleExtend(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var req struct {
		InstanceID string `cbor:"instance_id"`
	}
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	inst, err := d.manager.Extend(ctx, req.InstanceID, requestorOf(caller))
	if err != nil {
		return nil, notFoundSafe(err)
	}
	return viewOf(inst), nil
}

func (d handlerDeps) handleStop(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var req struct {
		InstanceID string `cbor:"instance_id"`
	}
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if err := d.manager.Stop(ctx, req.InstanceID, requestorOf(caller)); err != nil {
		return nil, notFoundSafe(err)
	}
	// Re-read so the response reflects the store, not an assumption
	// about what a successful stop means.
	inst, err := d.manager.Status(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	return viewOf(inst), nil
}

// handleStatus returns the caller's own instance, or any instance for
// admins. A foreign instance reads as not found rather than as a
// permission error, so instance IDs cannot be probed.
func (d handlerDeps) handleStatus(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var req struct {
		InstanceID string `cbor:"instance_id"`
	}
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	inst, err := d.manager.Status(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if !caller.Admin && inst.PrincipalID != caller.Principal {
		return nil, instance.ErrNotFound
	}
	return viewOf(inst), nil
}

func (d handlerDeps) handleSubmitFlag(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	var req struct {
		InstanceID string `cbor:"instance_id"`
		Flag       string `cbor:"flag"`
	}
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	correct, err := d.manager.SubmitFlag(ctx, req.InstanceID, requestorOf(caller), req.Flag)
	if err != nil {
		return nil, notFoundSafe(err)
	}
	return struct {
		Correct bool `cbor:"correct"`
	}{correct}, nil
}

func (d handlerDeps) handleList(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	instances, err := d.manager.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, viewOf(inst))
	}
	return struct {
		Instances []instanceView `cbor:"instances"`
	}{views}, nil
}

type auditEntryView struct {
	Seq         int64          `cbor:"seq"`
	PrincipalID string         `cbor:"principal_id,omitempty"`
	InstanceID  string         `cbor:"instance_id,omitempty"`
	ChallengeID string         `cbor:"challenge_id,omitempty"`
	Action      string         `cbor:"action"`
	Timestamp   string         `cbor:"timestamp"`
	Detail      map[string]any `cbor:"detail,omitempty"`
	Hash        string         `cbor:"hash"`
}

func (d handlerDeps) handleAuditQuery(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	var req struct {
		PrincipalID string `cbor:"principal_id"`
		InstanceID  string `cbor:"instance_id"`
		ChallengeID string `cbor:"challenge_id"`
		Action      string `cbor:"action"`
		After       string `cbor:"after"`
		Before      string `cbor:"before"`
		Limit       int    `cbor:"limit"`
	}
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	filter := audit.Filter{
		PrincipalID: req.PrincipalID,
		InstanceID:  req.InstanceID,
		ChallengeID: req.ChallengeID,
		Action:      audit.Action(req.Action),
		Limit:       req.Limit,
	}
	var err error
	if filter.After, err = parseTimestamp("after", req.After); err != nil {
		return nil, err
	}
	if filter.Before, err = parseTimestamp("before", req.Before); err != nil {
		return nil, err
	}
	entries, err := d.auditLog.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]auditEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, auditEntryView{
			Seq:         entry.Seq,
			PrincipalID: entry.PrincipalID,
			InstanceID:  entry.InstanceID,
			ChallengeID: entry.ChallengeID,
			Action:      string(entry.Action),
			Timestamp:   entry.Timestamp.UTC().Format(time.RFC3339Nano),
			Detail:      entry.Detail,
			Hash:        hex.EncodeToString(entry.Hash),
		})
	}
	return struct {
		Entries []auditEntryView `cbor:"entries"`
	}{views}, nil
}

func parseTimestamp(field, text string) (time.Time, error) {
	if text == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", field, err)
	}
	return parsed, nil
}

func (d handlerDeps) handleAuditVerify(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	brokenSeq, err := d.auditLog.Verify(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		Intact    bool  `cbor:"intact"`
		BrokenSeq int64 `cbor:"broken_seq,omitempty"`
	}{brokenSeq == 0, brokenSeq}, nil
}

func (d handlerDeps) handleRotateKey(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	keyID, err := d.vault.RotateKey(ctx, d.keyPath, flagvault.Actor{PrincipalID: caller.Principal})
	if err != nil {
		return nil, err
	}
	return struct {
		KeyID int64 `cbor:"key_id"`
	}{int64(keyID)}, nil
}

// policyRequest carries a policy in the same duration-string form the
// config file uses.
type policyRequest struct {
	ChallengeID        string `cbor:"challenge_id"`
	BaseRuntime        string `cbor:"base_runtime"`
	ExtensionIncrement string `cbor:"extension_increment"`
	MaxExtensions      int    `cbor:"max_extensions"`
	MaxLifetime        string `cbor:"max_lifetime"`
}

func (r policyRequest) policy() (policy.Policy, error) {
	var pol policy.Policy
	var err error
	if pol.BaseRuntime, err = time.ParseDuration(r.BaseRuntime); err != nil {
		return policy.Policy{}, fmt.Errorf("base_runtime: %w", err)
	}
	if pol.ExtensionIncrement, err = time.ParseDuration(r.ExtensionIncrement); err != nil {
		return policy.Policy{}, fmt.Errorf("extension_increment: %w", err)
	}
	if pol.MaxLifetime, err = time.ParseDuration(r.MaxLifetime); err != nil {
		return policy.Policy{}, fmt.Errorf("max_lifetime: %w", err)
	}
	pol.MaxExtensions = r.MaxExtensions
	return pol, nil
}

func (d handlerDeps) handlePolicySetDefault(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	var req policyRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	pol, err := req.policy()
	if err != nil {
		return nil, err
	}
	if err := d.policies.SetDefault(pol); err != nil {
		return nil, err
	}
	return struct {
		Updated bool `cbor:"updated"`
	}{true}, nil
}

func (d handlerDeps) handlePolicySetOverride(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	var req policyRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if req.ChallengeID == "" {
		return nil, fmt.Errorf("challenge_id is required")
	}
	pol, err := req.policy()
	if err != nil {
		return nil, err
	}
	if err := d.policies.SetOverride(req.ChallengeID, pol); err != nil {
		return nil, err
	}
	return struct {
		Updated bool `cbor:"updated"`
	}{true}, nil
}

func (d handlerDeps) handlePolicyRemoveOverride(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	var req struct {
		ChallengeID string `cbor:"challenge_id"`
	}
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if req.ChallengeID == "" {
		return nil, fmt.Errorf("challenge_id is required")
	}
	d.policies.RemoveOverride(req.ChallengeID)
	return struct {
		Updated bool `cbor:"updated"`
	}{true}, nil
}

func (d handlerDeps) handleServiceStatus(ctx context.Context, caller service.Caller, raw []byte) (any, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	active, err := d.manager.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		Version         string `cbor:"version"`
		ActiveInstances int    `cbor:"active_instances"`
		AuditDropped    uint64 `cbor:"audit_dropped"`
	}{version.Info(), len(active), d.auditLog.Dropped()}, nil
}

// notFoundSafe maps ownership failures onto not-found before errors
// reach the wire, so responses never reveal whether a foreign
// instance ID exists.
func notFoundSafe(err error) error {
	if errors.Is(err, instance.ErrNotOwner) {
		return instance.ErrNotFound
	}
	return err
}
