// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instance

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/arena/lib/sqlitepool"
)

// Schema is the instance table DDL. The partial unique index is the
// at-most-one-active enforcement: it covers provisioning and running
// rows only, so terminated and failed history accumulates freely while
// a second concurrent create for the same principal and challenge
// fails at insert time.
const Schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id      TEXT PRIMARY KEY,
	principal_id     TEXT NOT NULL,
	challenge_id     TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	extension_count  INTEGER NOT NULL DEFAULT 0,
	last_extended_at INTEGER,
	status           TEXT NOT NULL,
	workload_handle  TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active
	ON instances(principal_id, challenge_id)
	WHERE status IN ('provisioning', 'running');
CREATE INDEX IF NOT EXISTS idx_instances_expiry ON instances(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_instances_principal ON instances(principal_id, challenge_id);
`

// Store persists instances. All updates are conditional on the row's
// current status, so a transition that lost a race changes nothing and
// reports it.
type Store struct {
	pool *sqlitepool.Pool
}

// NewStore wraps a pool whose OnConnect hook has applied [Schema].
func NewStore(pool *sqlitepool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert writes a new provisioning row. Returns [ErrAlreadyRunning] if
// the principal already holds the active-instance slot for the
// challenge.
func (s *Store) Insert(ctx context.Context, inst Instance) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO instances
		(instance_id, principal_id, challenge_id, created_at, expires_at, extension_count, status, workload_handle)
		VALUES (?, ?, ?, ?, ?, 0, ?, '')`,
		&sqlitex.ExecOptions{
			Args: []any{
				inst.ID,
				inst.PrincipalID,
				inst.ChallengeID,
				inst.CreatedAt.UnixNano(),
				inst.ExpiresAt.UnixNano(),
				string(inst.Status),
			},
		})
	if err != nil {
		code := sqlite.ErrCode(err)
		if code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey {
			return fmt.Errorf("%s/%s: %w", inst.PrincipalID, inst.ChallengeID, ErrAlreadyRunning)
		}
		return fmt.Errorf("instance: insert: %w", err)
	}
	return nil
}

// Get returns the instance with the given id, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, id string) (Instance, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Instance{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	var inst Instance
	var found bool
	err = sqlitex.Execute(conn,
		selectColumns+" WHERE instance_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				inst = scanInstance(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Instance{}, fmt.Errorf("instance: get: %w", err)
	}
	if !found {
		return Instance{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return inst, nil
}

// SetRunning moves a provisioning instance to running and records its
// workload handle. Reports false if the row was not in provisioning.
func (s *Store) SetRunning(ctx context.Context, id string, handle string) (bool, error) {
	return s.conditionalUpdate(ctx,
		"UPDATE instances SET status = ?, workload_handle = ? WHERE instance_id = ? AND status = ?",
		[]any{string(StatusRunning), handle, id, string(StatusProvisioning)})
}

// SetFailed moves a provisioning instance to failed, releasing its
// active-instance slot.
func (s *Store) SetFailed(ctx context.Context, id string) (bool, error) {
	return s.conditionalUpdate(ctx,
		"UPDATE instances SET status = ? WHERE instance_id = ? AND status = ?",
		[]any{string(StatusFailed), id, string(StatusProvisioning)})
}

// SetTerminated moves a running instance to terminated. Reports false
// if the row was not running, which is how a stop that lost a race to
// another stop or to the reaper finds out.
func (s *Store) SetTerminated(ctx context.Context, id string) (bool, error) {
	return s.conditionalUpdate(ctx,
		"UPDATE instances SET status = ? WHERE instance_id = ? AND status = ?",
		[]any{string(StatusTerminated), id, string(StatusRunning)})
}

// ApplyExtension advances the deadline and consumes one extension
// slot. Conditional on the row still being running with the extension
// count the caller read, so a concurrent extension cannot be counted
// twice.
func (s *Store) ApplyExtension(ctx context.Context, id string, oldCount int, newExpiry, extendedAt time.Time) (bool, error) {
	return s.conditionalUpdate(ctx,
		`UPDATE instances SET expires_at = ?, extension_count = extension_count + 1, last_extended_at = ?
		WHERE instance_id = ? AND status = ? AND extension_count = ?`,
		[]any{newExpiry.UnixNano(), extendedAt.UnixNano(), id, string(StatusRunning), oldCount})
}

// ExpiredCandidates returns the ids of running instances whose
// deadline is at or before now. The reaper re-checks each instance
// under its per-instance lock before expiring; this enumeration is
// only a candidate list.
func (s *Store) ExpiredCandidates(ctx context.Context, now time.Time) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	var ids []string
	err = sqlitex.Execute(conn,
		"SELECT instance_id FROM instances WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC",
		&sqlitex.ExecOptions{
			Args: []any{string(StatusRunning), now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("instance: expired candidates: %w", err)
	}
	return ids, nil
}

// ListActive returns every provisioning or running instance, ordered
// by creation time.
func (s *Store) ListActive(ctx context.Context) ([]Instance, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	var instances []Instance
	err = sqlitex.Execute(conn,
		selectColumns+" WHERE status IN (?, ?) ORDER BY created_at ASC",
		&sqlitex.ExecOptions{
			Args: []any{string(StatusProvisioning), string(StatusRunning)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				instances = append(instances, scanInstance(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("instance: list active: %w", err)
	}
	return instances, nil
}

func (s *Store) conditionalUpdate(ctx context.Context, query string, args []any) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
	if err != nil {
		return false, fmt.Errorf("instance: update: %w", err)
	}
	return conn.Changes() > 0, nil
}

// selectColumns fixes the column order scanInstance depends on.
const selectColumns = `SELECT instance_id, principal_id, challenge_id,
	created_at, expires_at, extension_count, last_extended_at, status, workload_handle
	FROM instances`

func scanInstance(stmt *sqlite.Stmt) Instance {
	inst := Instance{
		ID:             stmt.ColumnText(0),
		PrincipalID:    stmt.ColumnText(1),
		ChallengeID:    stmt.ColumnText(2),
		CreatedAt:      time.Unix(0, stmt.ColumnInt64(3)).UTC(),
		ExpiresAt:      time.Unix(0, stmt.ColumnInt64(4)).UTC(),
		ExtensionCount: int(stmt.ColumnInt64(5)),
		Status:         Status(stmt.ColumnText(7)),
		WorkloadHandle: stmt.ColumnText(8),
	}
	if !stmt.ColumnIsNull(6) {
		inst.LastExtendedAt = time.Unix(0, stmt.ColumnInt64(6)).UTC()
	}
	return inst
}
