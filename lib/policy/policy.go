// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"sync"
	"time"
)

// Policy is the timing and limit configuration for instances of one
// challenge (or the global default).
type Policy struct {
	// BaseRuntime is the initial lifetime granted at creation.
	BaseRuntime time.Duration

	// ExtensionIncrement is the time added by one successful
	// extension, subject to the lifetime cap.
	ExtensionIncrement time.Duration

	// MaxExtensions is the number of extensions an instance may
	// consume over its lifetime.
	MaxExtensions int

	// MaxLifetime is the hard cap: expires_at never exceeds
	// created_at + MaxLifetime regardless of extensions.
	MaxLifetime time.Duration
}

// Default returns the stock policy: 15 minute base runtime, 15 minute
// extensions, at most 5 extensions, 90 minute hard cap.
func Default() Policy {
	return Policy{
		BaseRuntime:        15 * time.Minute,
		ExtensionIncrement: 15 * time.Minute,
		MaxExtensions:      5,
		MaxLifetime:        90 * time.Minute,
	}
}

// Validate checks the policy's internal consistency. A zero or
// negative duration, a negative extension count, or a lifetime cap
// below the base runtime is a configuration error.
func (p Policy) Validate() error {
	if p.BaseRuntime <= 0 {
		return fmt.Errorf("policy: base_runtime must be positive, got %v", p.BaseRuntime)
	}
	if p.ExtensionIncrement <= 0 {
		return fmt.Errorf("policy: extension_increment must be positive, got %v", p.ExtensionIncrement)
	}
	if p.MaxExtensions < 0 {
		return fmt.Errorf("policy: max_extensions must be non-negative, got %d", p.MaxExtensions)
	}
	if p.MaxLifetime < p.BaseRuntime {
		return fmt.Errorf("policy: max_lifetime %v is below base_runtime %v", p.MaxLifetime, p.BaseRuntime)
	}
	return nil
}

// Resolver resolves the effective policy for a challenge, falling back
// to the global default when no override exists.
//
// Resolver is safe for concurrent use.
type Resolver struct {
	mu        sync.RWMutex
	fallback  Policy
	overrides map[string]Policy
}

// NewResolver constructs a resolver with the given global default and
// optional per-challenge overrides. Every policy is validated; an
// invalid default or override is a construction error, which callers
// treat as fatal at startup.
func NewResolver(fallback Policy, overrides map[string]Policy) (*Resolver, error) {
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("policy: default: %w", err)
	}

	copied := make(map[string]Policy, len(overrides))
	for challengeID, override := range overrides {
		if challengeID == "" {
			return nil, fmt.Errorf("policy: override with empty challenge id")
		}
		if err := override.Validate(); err != nil {
			return nil, fmt.Errorf("policy: override for challenge %q: %w", challengeID, err)
		}
		copied[challengeID] = override
	}

	return &Resolver{
		fallback:  fallback,
		overrides: copied,
	}, nil
}

// Resolve returns the effective policy for the challenge. Never fails:
// a challenge without an override gets the global default.
func (r *Resolver) Resolve(challengeID string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if override, ok := r.overrides[challengeID]; ok {
		return override
	}
	return r.fallback
}

// SetOverride installs or replaces the override for a challenge.
// Returns an error if the policy is invalid; the previous override (or
// the default) stays in effect in that case.
func (r *Resolver) SetOverride(challengeID string, p Policy) error {
	if challengeID == "" {
		return fmt.Errorf("policy: empty challenge id")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[challengeID] = p
	return nil
}

// RemoveOverride deletes the override for a challenge, restoring the
// global default for it. Removing a non-existent override is a no-op.
func (r *Resolver) RemoveOverride(challengeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, challengeID)
}

// SetDefault atomically replaces the global default. Returns an error
// if the policy is invalid; the previous default stays in effect.
func (r *Resolver) SetDefault(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
	return nil
}
