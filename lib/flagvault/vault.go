// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flagvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/arena/lib/audit"
	"github.com/bureau-foundation/arena/lib/clock"
	"github.com/bureau-foundation/arena/lib/secret"
	"github.com/bureau-foundation/arena/lib/sqlitepool"
)

// ErrDuplicateBinding is returned by Issue when the instance already
// has a credential. One instance, one flag: re-issuing would orphan
// the ciphertext the running workload was provisioned with.
var ErrDuplicateBinding = errors.New("flagvault: instance already has a credential")

// Schema is the credential table DDL. The primary key on instance_id
// is what enforces the one-credential-per-instance binding; Issue
// relies on the constraint rather than a read-then-insert check.
const Schema = `
CREATE TABLE IF NOT EXISTS credentials (
	instance_id TEXT PRIMARY KEY,
	ciphertext  TEXT NOT NULL,
	key_id      INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
`

// Credential is the stored metadata for an issued flag. The plaintext
// is never part of this struct.
type Credential struct {
	InstanceID string
	KeyID      KeyID
	CreatedAt  time.Time
}

// Actor identifies who an Issue or Validate call is acting for, so the
// vault can attribute its audit events. The instance manager fills
// this from the instance row.
type Actor struct {
	PrincipalID string
	ChallengeID string
}

// Vault issues and validates instance credentials. Safe for concurrent
// use.
type Vault struct {
	pool    *sqlitepool.Pool
	keyring *Keyring
	clock   clock.Clock
	logger  *slog.Logger
	audit   *audit.Log
}

// Config holds the parameters for constructing a Vault.
type Config struct {
	// Pool is the shared database pool. Required. The pool's
	// OnConnect hook must have applied [Schema].
	Pool *sqlitepool.Pool

	// Keyring supplies encryption keys. Required.
	Keyring *Keyring

	// Clock supplies credential timestamps. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger

	// Audit receives flag lifecycle events. Required.
	Audit *audit.Log
}

// New constructs a Vault.
func New(cfg Config) (*Vault, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("flagvault: Pool is required")
	}
	if cfg.Keyring == nil {
		return nil, fmt.Errorf("flagvault: Keyring is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("flagvault: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("flagvault: Logger is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("flagvault: Audit is required")
	}
	return &Vault{
		pool:    cfg.Pool,
		keyring: cfg.Keyring,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		audit:   cfg.Audit,
	}, nil
}

// Generate mints a fresh flag with no stored binding. The lifecycle
// manager generates the flag before starting the workload (so the
// provisioner can inject it) and calls [Vault.Bind] only after the
// workload is up, keeping stored credentials limited to instances that
// actually run. The caller must Close the buffer.
func Generate() (*secret.Buffer, error) {
	plaintext, err := generateFlag()
	if err != nil {
		return nil, fmt.Errorf("flagvault: generate: %w", err)
	}
	// NewFromBytes zeros the heap copy.
	flag, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("flagvault: generate: %w", err)
	}
	return flag, nil
}

// Bind encrypts the flag under the current key and stores the binding
// for the instance. The flag buffer is borrowed, not closed. Returns
// [ErrDuplicateBinding] if the instance already has a credential.
func (v *Vault) Bind(ctx context.Context, instanceID string, flag *secret.Buffer, actor Actor) (Credential, error) {
	plaintext := append([]byte(nil), flag.Bytes()...)
	ciphertext, keyID, err := v.keyring.Encrypt(plaintext)
	secret.Zero(plaintext)
	if err != nil {
		return Credential{}, fmt.Errorf("flagvault: bind: %w", err)
	}

	createdAt := v.clock.Now()
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("flagvault: bind: %w", err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO credentials (instance_id, ciphertext, key_id, created_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{instanceID, ciphertext, int64(keyID), createdAt.UnixNano()},
		})
	v.pool.Put(conn)
	if err != nil {
		code := sqlite.ErrCode(err)
		if code == sqlite.ResultConstraintPrimaryKey || code == sqlite.ResultConstraintUnique {
			return Credential{}, fmt.Errorf("flagvault: bind %s: %w", instanceID, ErrDuplicateBinding)
		}
		return Credential{}, fmt.Errorf("flagvault: bind: %w", err)
	}

	v.audit.Record(ctx, audit.Event{
		PrincipalID: actor.PrincipalID,
		InstanceID:  instanceID,
		ChallengeID: actor.ChallengeID,
		Action:      audit.ActionFlagIssued,
		Detail:      map[string]any{"key_id": int64(keyID)},
	})

	return Credential{InstanceID: instanceID, KeyID: keyID, CreatedAt: createdAt}, nil
}

// Issue is Generate followed by Bind: it mints a flag, stores the
// binding, and returns the plaintext buffer to the caller. The caller
// must Close the buffer.
func (v *Vault) Issue(ctx context.Context, instanceID string, actor Actor) (Credential, *secret.Buffer, error) {
	flag, err := Generate()
	if err != nil {
		return Credential{}, nil, err
	}
	credential, err := v.Bind(ctx, instanceID, flag, actor)
	if err != nil {
		flag.Close()
		return Credential{}, nil, err
	}
	return credential, flag, nil
}

// Validate compares a submission against the instance's stored
// credential in constant time. An instance with no credential is a
// plain rejection (false, nil), indistinguishable to the caller from a
// wrong guess. Errors are reserved for store or keyring failures.
//
// Every call emits an audit event. A rejected submission is recorded
// redacted: it may be a near-miss of the real flag, and the audit log
// must never become a flag oracle.
func (v *Vault) Validate(ctx context.Context, instanceID string, submission string, actor Actor) (bool, error) {
	stored, found, err := v.lookup(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("flagvault: validate: %w", err)
	}
	if !found {
		v.recordOutcome(ctx, instanceID, actor, false, submission, "no credential")
		return false, nil
	}

	flag, err := v.keyring.Decrypt(stored.ciphertext, stored.keyID)
	if err != nil {
		// A ciphertext that fails authenticated decryption means the
		// store or keyring is damaged, not that the guess was wrong.
		return false, fmt.Errorf("flagvault: validate %s: %w", instanceID, err)
	}
	defer flag.Close()

	match := flag.ConstantTimeEquals([]byte(submission))
	v.recordOutcome(ctx, instanceID, actor, match, submission, "")
	return match, nil
}

// Revoke deletes the instance's credential. Deleting a credential that
// does not exist is a no-op: teardown paths call Revoke
// unconditionally.
func (v *Vault) Revoke(ctx context.Context, instanceID string) error {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("flagvault: revoke: %w", err)
	}
	defer v.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM credentials WHERE instance_id = ?",
		&sqlitex.ExecOptions{Args: []any{instanceID}})
	if err != nil {
		return fmt.Errorf("flagvault: revoke %s: %w", instanceID, err)
	}
	return nil
}

// RotateKey activates a fresh encryption key and persists the keyring
// to keyPath. Credentials issued under earlier keys keep validating;
// only new issuance moves to the new key.
func (v *Vault) RotateKey(ctx context.Context, keyPath string, actor Actor) (KeyID, error) {
	id, err := v.keyring.Rotate()
	if err != nil {
		return 0, fmt.Errorf("flagvault: rotate: %w", err)
	}
	if err := SaveKeyring(v.keyring, keyPath); err != nil {
		return 0, fmt.Errorf("flagvault: rotate: %w", err)
	}

	v.audit.Record(ctx, audit.Event{
		PrincipalID: actor.PrincipalID,
		Action:      audit.ActionKeyRotated,
		Detail:      map[string]any{"key_id": int64(id)},
	})
	v.logger.Info("flag encryption key rotated", "key_id", int64(id))
	return id, nil
}

// storedCredential is the row form used internally by Validate.
type storedCredential struct {
	ciphertext string
	keyID      KeyID
}

func (v *Vault) lookup(ctx context.Context, instanceID string) (storedCredential, bool, error) {
	conn, err := v.pool.Take(ctx)
	if err != nil {
		return storedCredential{}, false, err
	}
	defer v.pool.Put(conn)

	var stored storedCredential
	var found bool
	err = sqlitex.Execute(conn,
		"SELECT ciphertext, key_id FROM credentials WHERE instance_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{instanceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored.ciphertext = stmt.ColumnText(0)
				stored.keyID = KeyID(stmt.ColumnInt64(1))
				found = true
				return nil
			},
		})
	if err != nil {
		return storedCredential{}, false, err
	}
	return stored, found, nil
}

func (v *Vault) recordOutcome(ctx context.Context, instanceID string, actor Actor, match bool, submission, reason string) {
	action := audit.ActionFlagRejected
	if match {
		action = audit.ActionFlagValidated
	}
	detail := map[string]any{}
	if !match {
		detail["submission"] = Redact(submission)
	}
	if reason != "" {
		detail["reason"] = reason
	}
	v.audit.Record(ctx, audit.Event{
		PrincipalID: actor.PrincipalID,
		InstanceID:  instanceID,
		ChallengeID: actor.ChallengeID,
		Action:      action,
		Detail:      detail,
	})
}
