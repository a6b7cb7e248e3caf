// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flagvault

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/arena/lib/audit"
	"github.com/bureau-foundation/arena/lib/clock"
	"github.com/bureau-foundation/arena/lib/sqlitepool"
	"github.com/bureau-foundation/arena/lib/testutil"
)

var vaultTestEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestVault(t *testing.T) (*Vault, *audit.Log) {
	t.Helper()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "vault_test.db"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, Schema+audit.Schema, nil)
		},
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	fakeClock := clock.Fake(vaultTestEpoch)
	logger := slog.New(slog.DiscardHandler)

	auditLog, err := audit.Open(context.Background(), audit.Config{
		Pool:   pool,
		Clock:  fakeClock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}

	keyring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	t.Cleanup(func() { keyring.Close() })

	vault, err := New(Config{
		Pool:    pool,
		Keyring: keyring,
		Clock:   fakeClock,
		Logger:  logger,
		Audit:   auditLog,
	})
	if err != nil {
		t.Fatalf("flagvault.New: %v", err)
	}
	return vault, auditLog
}

func TestIssueAndValidate(t *testing.T) {
	vault, auditLog := openTestVault(t)
	ctx := context.Background()
	actor := Actor{PrincipalID: "team-7", ChallengeID: "pwn-heap"}

	credential, flag, err := vault.Issue(ctx, "inst-1", actor)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	defer flag.Close()

	if credential.InstanceID != "inst-1" {
		t.Errorf("credential.InstanceID = %q, want inst-1", credential.InstanceID)
	}
	if credential.KeyID != 1 {
		t.Errorf("credential.KeyID = %d, want 1", credential.KeyID)
	}
	flagText := flag.String()
	if !strings.HasPrefix(flagText, "ARENA{") || !strings.HasSuffix(flagText, "}") {
		t.Errorf("flag %q not in ARENA{...} format", flagText)
	}

	match, err := vault.Validate(ctx, "inst-1", flagText, actor)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !match {
		t.Error("correct flag rejected")
	}

	match, err = vault.Validate(ctx, "inst-1", "ARENA{wrongwrongwrongwrongwrongwrong}", actor)
	if err != nil {
		t.Fatalf("Validate wrong guess: %v", err)
	}
	if match {
		t.Error("wrong flag accepted")
	}

	accepted, err := auditLog.Query(ctx, audit.Filter{Action: audit.ActionFlagValidated})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(accepted) != 1 {
		t.Fatalf("flag_validated events = %d, want 1", len(accepted))
	}
	rejected, err := auditLog.Query(ctx, audit.Filter{Action: audit.ActionFlagRejected})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rejected) != 1 {
		t.Fatalf("flag_rejected events = %d, want 1", len(rejected))
	}
	// The rejected guess is recorded redacted so a near-miss never
	// lands in the log verbatim.
	if got := rejected[0].Detail["submission"]; got != "ARENA{[redacted]}" {
		t.Errorf("rejected submission recorded as %v, want ARENA{[redacted]}", got)
	}
	if _, ok := accepted[0].Detail["submission"]; ok {
		t.Error("accepted submission recorded in audit detail")
	}
}

func TestIssueDuplicateBinding(t *testing.T) {
	vault, _ := openTestVault(t)
	ctx := context.Background()

	_, flag, err := vault.Issue(ctx, "inst-1", Actor{PrincipalID: "team-7"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	flag.Close()

	_, _, err = vault.Issue(ctx, "inst-1", Actor{PrincipalID: "team-7"})
	if !errors.Is(err, ErrDuplicateBinding) {
		t.Fatalf("second Issue error = %v, want ErrDuplicateBinding", err)
	}
}

func TestValidateMissingCredential(t *testing.T) {
	vault, auditLog := openTestVault(t)
	ctx := context.Background()

	match, err := vault.Validate(ctx, "inst-absent", "ARENA{anything}", Actor{PrincipalID: "team-7"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if match {
		t.Error("submission against missing credential accepted")
	}

	rejected, err := auditLog.Query(ctx, audit.Filter{Action: audit.ActionFlagRejected})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rejected) != 1 {
		t.Fatalf("flag_rejected events = %d, want 1", len(rejected))
	}
	if rejected[0].Detail["reason"] != "no credential" {
		t.Errorf("reason = %v, want %q", rejected[0].Detail["reason"], "no credential")
	}
	if got := rejected[0].Detail["submission"]; got != "ARENA{[redacted]}" {
		t.Errorf("rejected submission recorded as %v, want ARENA{[redacted]}", got)
	}
}

func TestRevokeThenValidate(t *testing.T) {
	vault, _ := openTestVault(t)
	ctx := context.Background()
	actor := Actor{PrincipalID: "team-7"}

	_, flag, err := vault.Issue(ctx, "inst-1", actor)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	flagText := flag.String()
	flag.Close()

	if err := vault.Revoke(ctx, "inst-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Revoking again is a no-op.
	if err := vault.Revoke(ctx, "inst-1"); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}

	match, err := vault.Validate(ctx, "inst-1", flagText, actor)
	if err != nil {
		t.Fatalf("Validate after revoke: %v", err)
	}
	if match {
		t.Error("revoked credential still validates")
	}
}

func TestRotationKeepsOldCredentialsValid(t *testing.T) {
	vault, auditLog := openTestVault(t)
	ctx := context.Background()
	actor := Actor{PrincipalID: "team-7"}
	keyPath := filepath.Join(t.TempDir(), "arena.keys")

	firstCredential, firstFlag, err := vault.Issue(ctx, "inst-1", actor)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	firstFlagText := firstFlag.String()
	firstFlag.Close()
	if firstCredential.KeyID != 1 {
		t.Fatalf("first credential KeyID = %d, want 1", firstCredential.KeyID)
	}

	newKey, err := vault.RotateKey(ctx, keyPath, Actor{PrincipalID: "admin"})
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if newKey != 2 {
		t.Fatalf("RotateKey = %d, want 2", newKey)
	}

	secondCredential, secondFlag, err := vault.Issue(ctx, "inst-2", actor)
	if err != nil {
		t.Fatalf("Issue after rotation: %v", err)
	}
	secondFlagText := secondFlag.String()
	secondFlag.Close()
	if secondCredential.KeyID != 2 {
		t.Errorf("second credential KeyID = %d, want 2", secondCredential.KeyID)
	}

	// The pre-rotation credential still validates under its retired key.
	match, err := vault.Validate(ctx, "inst-1", firstFlagText, actor)
	if err != nil {
		t.Fatalf("Validate pre-rotation credential: %v", err)
	}
	if !match {
		t.Error("pre-rotation credential rejected after key rotation")
	}
	match, err = vault.Validate(ctx, "inst-2", secondFlagText, actor)
	if err != nil {
		t.Fatalf("Validate post-rotation credential: %v", err)
	}
	if !match {
		t.Error("post-rotation credential rejected")
	}

	rotations, err := auditLog.Query(ctx, audit.Filter{Action: audit.ActionKeyRotated})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rotations) != 1 {
		t.Fatalf("key_rotated events = %d, want 1", len(rotations))
	}
}

func TestFlagsAreUnique(t *testing.T) {
	vault, _ := openTestVault(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		_, flag, err := vault.Issue(ctx, testutil.UniqueID("inst"), Actor{})
		if err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
		text := flag.String()
		flag.Close()
		if seen[text] {
			t.Fatalf("duplicate flag issued: %s", text)
		}
		seen[text] = true
	}
}

func TestRedact(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ARENA{abcdef123456}", "ARENA{[redacted]}"},
		{"guess was ARENA{abc} exactly", "guess was ARENA{[redacted]} exactly"},
		{"not a flag at all", "not a flag at all"},
		{"ARENA{unterminated", "ARENA{[redacted]"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Redact(c.in); got != c.want {
			t.Errorf("Redact(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidateTimingIndependentOfPrefixMatch(t *testing.T) {
	vault, _ := openTestVault(t)
	ctx := context.Background()
	actor := Actor{PrincipalID: "team-7"}

	_, flag, err := vault.Issue(ctx, "inst-1", actor)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	flagText := flag.String()
	flag.Close()

	// Near miss: correct except the final body character. Far miss:
	// same length, no body character in common ('0' is outside the
	// flag alphabet).
	nearMiss := flagText[:len(flagText)-2] + "?}"
	farMiss := "ARENA{" + strings.Repeat("0", len(flagText)-7) + "}"

	sample := func(guess string) time.Duration {
		start := time.Now()
		match, err := vault.Validate(ctx, "inst-1", guess, actor)
		elapsed := time.Since(start)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if match {
			t.Fatalf("miss %q accepted", guess)
		}
		return elapsed
	}

	// Warm the connection pool and page cache before measuring.
	sample(farMiss)
	sample(nearMiss)

	const rounds = 64
	nearSamples := make([]time.Duration, 0, rounds)
	farSamples := make([]time.Duration, 0, rounds)
	// Interleave so scheduler and GC drift hits both distributions
	// equally.
	for i := 0; i < rounds; i++ {
		nearSamples = append(nearSamples, sample(nearMiss))
		farSamples = append(farSamples, sample(farMiss))
	}

	nearMedian := medianDuration(nearSamples)
	farMedian := medianDuration(farSamples)

	// A prefix-dependent compare makes near misses measurably slower
	// than far misses. The bound is deliberately coarse so the test
	// stays robust on loaded machines while still catching an
	// early-exit comparison.
	if nearMedian > 3*farMedian {
		t.Errorf("near-miss median %v exceeds 3x far-miss median %v", nearMedian, farMedian)
	}
	if farMedian > 3*nearMedian {
		t.Errorf("far-miss median %v exceeds 3x near-miss median %v", farMedian, nearMedian)
	}
}

func medianDuration(samples []time.Duration) time.Duration {
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
