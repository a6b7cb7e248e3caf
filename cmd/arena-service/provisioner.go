// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/bureau-foundation/arena/lib/config"
	"github.com/bureau-foundation/arena/lib/instance"
)

// execProvisioner shells out to operator-configured commands to start
// and stop challenge workloads. The commands carry all the runtime
// specifics (container engine, VM pool, compose file); this daemon
// only cares about the handle contract.
type execProvisioner struct {
	startCommand []string
	stopCommand  []string
	logger       *slog.Logger
}

func newExecProvisioner(cfg config.ProvisionerConfig, logger *slog.Logger) *execProvisioner {
	return &execProvisioner{
		startCommand: cfg.StartCommand,
		stopCommand:  cfg.StopCommand,
		logger:       logger,
	}
}

// Start runs the configured start command with instance metadata and
// the plaintext flag in the environment. The command's trimmed stdout
// is the workload handle. A command that cannot be launched at all is
// reported as a transient provisioner failure; a command that runs
// and exits nonzero is a rejection.
func (p *execProvisioner) Start(ctx context.Context, spec instance.Spec) (string, error) {
	cmd := exec.CommandContext(ctx, p.startCommand[0], p.startCommand[1:]...)
	cmd.Env = append(os.Environ(),
		"ARENA_INSTANCE_ID="+spec.InstanceID,
		"ARENA_PRINCIPAL_ID="+spec.PrincipalID,
		"ARENA_CHALLENGE_ID="+spec.ChallengeID,
		"ARENA_DEADLINE="+spec.Deadline.UTC().Format(time.RFC3339),
		"ARENA_FLAG="+spec.Flag.String(),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("start command exited with code %d: %s",
				exitErr.ExitCode(), excerpt(stderr.Bytes()))
		}
		return "", fmt.Errorf("%w: launching start command: %v",
			instance.ErrProvisionerUnavailable, err)
	}

	handle := strings.TrimSpace(stdout.String())
	if handle == "" {
		return "", fmt.Errorf("start command produced no workload handle")
	}
	p.logger.Debug("workload started",
		"instance_id", spec.InstanceID,
		"handle", handle)
	return handle, nil
}

// Stop runs the configured stop command with the workload handle in
// ARENA_WORKLOAD_HANDLE.
func (p *execProvisioner) Stop(ctx context.Context, handle string) error {
	cmd := exec.CommandContext(ctx, p.stopCommand[0], p.stopCommand[1:]...)
	cmd.Env = append(os.Environ(), "ARENA_WORKLOAD_HANDLE="+handle)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("stop command exited with code %d: %s",
				exitErr.ExitCode(), excerpt(stderr.Bytes()))
		}
		return fmt.Errorf("%w: launching stop command: %v",
			instance.ErrProvisionerUnavailable, err)
	}
	p.logger.Debug("workload stopped", "handle", handle)
	return nil
}

// excerpt trims command stderr to a single short line for error
// messages. Full output stays with the workload command's own logs.
func excerpt(output []byte) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return "(no stderr)"
	}
	if line, _, found := strings.Cut(text, "\n"); found {
		text = line + " ..."
	}
	const limit = 200
	if len(text) > limit {
		text = text[:limit] + " ..."
	}
	return text
}
