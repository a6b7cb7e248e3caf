// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package reaper sweeps for instances past their deadline and drives
// each through expiry exactly once.
//
// A sweep enumerates candidates with one query and then expires each
// candidate independently: the manager re-checks status and deadline
// under the per-instance lock, so a candidate that was extended or
// stopped mid-sweep is simply skipped, and a slow teardown for one
// instance never blocks the rest of the sweep. Teardown failures leave
// the instance running; the next sweep picks it up again.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/arena/lib/clock"
	"github.com/bureau-foundation/arena/lib/instance"
)

// Reaper periodically expires overdue instances.
type Reaper struct {
	manager  *instance.Manager
	store    *instance.Store
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	done chan struct{}
}

// Config holds the parameters for constructing a Reaper.
type Config struct {
	// Manager drives the expire transitions. Required.
	Manager *instance.Manager

	// Store enumerates expiry candidates. Required.
	Store *instance.Store

	// Clock drives the sweep ticker. Required.
	Clock clock.Clock

	// Logger receives sweep results. Required.
	Logger *slog.Logger

	// Interval between sweeps. Defaults to 30 seconds.
	Interval time.Duration
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	// Candidates is how many running instances were past deadline at
	// enumeration time.
	Candidates int

	// Expired is how many of them this sweep terminated.
	Expired int

	// Skipped is how many were no longer expirable by the time their
	// turn came: extended or stopped mid-sweep.
	Skipped int

	// Failed is how many hit teardown or storage errors and stay
	// running for the next sweep.
	Failed int
}

// New constructs a Reaper.
func New(cfg Config) (*Reaper, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("reaper: Manager is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("reaper: Store is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("reaper: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("reaper: Logger is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reaper{
		manager:  cfg.Manager,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		done:     make(chan struct{}),
	}, nil
}

// Run sweeps on the configured interval until the context is
// cancelled. Call in a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Done returns a channel closed after Run has exited.
func (r *Reaper) Done() <-chan struct{} {
	return r.done
}

// RunOnce performs a single sweep and returns its stats. The ticker
// loop uses the same path; tests and operator tooling call it
// directly.
func (r *Reaper) RunOnce(ctx context.Context) (SweepStats, error) {
	now := r.clock.Now()
	candidates, err := r.store.ExpiredCandidates(ctx, now)
	if err != nil {
		return SweepStats{}, fmt.Errorf("reaper: enumerating candidates: %w", err)
	}

	stats := SweepStats{Candidates: len(candidates)}
	for _, id := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		switch err := r.manager.Expire(ctx, id); {
		case err == nil:
			// Expire no-ops when the deadline moved; tell the
			// difference by re-reading the status.
			current, statusErr := r.manager.Status(ctx, id)
			if statusErr == nil && current.Status == instance.StatusRunning {
				stats.Skipped++
			} else {
				stats.Expired++
			}
		case errors.Is(err, instance.ErrNotRunning):
			// Stopped (or finished failing) since enumeration.
			stats.Skipped++
		default:
			stats.Failed++
			r.logger.Warn("expiry failed, instance stays running",
				"instance", id, "error", err)
		}
	}
	return stats, nil
}

// sweep wraps RunOnce for the ticker loop, logging instead of
// returning.
func (r *Reaper) sweep(ctx context.Context) {
	stats, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", "error", err)
		}
		return
	}
	if stats.Candidates > 0 {
		r.logger.Info("reaper sweep",
			"candidates", stats.Candidates,
			"expired", stats.Expired,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
	}
}
