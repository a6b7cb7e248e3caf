// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/arena/lib/config"
	"github.com/bureau-foundation/arena/lib/instance"
	"github.com/bureau-foundation/arena/lib/secret"
)

func testProvisioner(t *testing.T, start, stop string) *execProvisioner {
	t.Helper()
	return newExecProvisioner(config.ProvisionerConfig{
		StartCommand: []string{"/bin/sh", "-c", start},
		StopCommand:  []string{"/bin/sh", "-c", stop},
	}, slog.New(slog.DiscardHandler))
}

func testSpec(t *testing.T) instance.Spec {
	t.Helper()
	flag, err := secret.NewFromBytes([]byte("ARENA{test}"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { flag.Close() })
	return instance.Spec{
		InstanceID:  "inst-1",
		PrincipalID: "team-7",
		ChallengeID: "pwn-heap",
		Deadline:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Flag:        flag,
	}
}

func TestStartPassesMetadataAndReturnsHandle(t *testing.T) {
	p := testProvisioner(t,
		`echo "handle-$ARENA_INSTANCE_ID-$ARENA_CHALLENGE_ID"`, "true")
	handle, err := p.Start(context.Background(), testSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if handle != "handle-inst-1-pwn-heap" {
		t.Errorf("handle = %q", handle)
	}
}

func TestStartDeliversFlagToWorkload(t *testing.T) {
	p := testProvisioner(t, `echo "$ARENA_FLAG"`, "true")
	handle, err := p.Start(context.Background(), testSpec(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if handle != "ARENA{test}" {
		t.Errorf("flag seen by workload = %q", handle)
	}
}

func TestStartNonzeroExitIsRejection(t *testing.T) {
	p := testProvisioner(t, `echo "no capacity" >&2; exit 3`, "true")
	_, err := p.Start(context.Background(), testSpec(t))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, instance.ErrProvisionerUnavailable) {
		t.Errorf("nonzero exit should not read as transient: %v", err)
	}
	if !strings.Contains(err.Error(), "no capacity") {
		t.Errorf("error = %v, want stderr excerpt", err)
	}
}

func TestStartMissingBinaryIsTransient(t *testing.T) {
	p := newExecProvisioner(config.ProvisionerConfig{
		StartCommand: []string{"/nonexistent/arena-start"},
		StopCommand:  []string{"true"},
	}, slog.New(slog.DiscardHandler))
	_, err := p.Start(context.Background(), testSpec(t))
	if !errors.Is(err, instance.ErrProvisionerUnavailable) {
		t.Errorf("error = %v, want ErrProvisionerUnavailable", err)
	}
}

func TestStartEmptyHandleIsError(t *testing.T) {
	p := testProvisioner(t, "true", "true")
	_, err := p.Start(context.Background(), testSpec(t))
	if err == nil || !strings.Contains(err.Error(), "no workload handle") {
		t.Errorf("error = %v, want empty-handle complaint", err)
	}
}

func TestStopReceivesHandle(t *testing.T) {
	p := testProvisioner(t, "true",
		`test "$ARENA_WORKLOAD_HANDLE" = "handle-42"`)
	if err := p.Stop(context.Background(), "handle-42"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(context.Background(), "wrong"); err == nil {
		t.Fatal("expected mismatched handle to fail")
	}
}
