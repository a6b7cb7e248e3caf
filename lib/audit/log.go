// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/arena/lib/clock"
	"github.com/bureau-foundation/arena/lib/codec"
	"github.com/bureau-foundation/arena/lib/sqlitepool"
)

// Schema is the audit table DDL. Callers pass it to the pool's
// OnConnect hook together with the other stores' schemas.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	principal_id TEXT,
	instance_id  TEXT,
	challenge_id TEXT,
	action       TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	detail       TEXT,
	prev_hash    BLOB NOT NULL,
	hash         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_events(principal_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_events(instance_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_challenge ON audit_events(challenge_id, timestamp);
`

// Log is the append-only audit sink. Safe for concurrent use: appends
// are serialized internally so the hash chain stays linear.
type Log struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// chainMu serializes appends. The chain tip (lastHash) must match
	// the row most recently inserted, so append order and insert
	// order have to agree.
	chainMu  sync.Mutex
	lastHash []byte

	dropped atomic.Uint64
}

// Config holds the parameters for opening an audit log.
type Config struct {
	// Pool is the shared database pool. Required. The pool's
	// OnConnect hook must have applied [Schema].
	Pool *sqlitepool.Pool

	// Clock supplies event timestamps when the caller leaves them
	// zero. Required.
	Clock clock.Clock

	// Logger receives operational messages, including append
	// failures. Required.
	Logger *slog.Logger
}

// Open creates a Log and recovers the hash chain tip from the most
// recent stored event, so appends continue the chain across restarts.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("audit: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("audit: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("audit: Logger is required")
	}

	log := &Log{
		pool:     cfg.Pool,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		lastHash: make([]byte, 32),
	}

	conn, err := cfg.Pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer cfg.Pool.Put(conn)

	err = sqlitex.Execute(conn,
		"SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tip := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, tip)
				log.lastHash = tip
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: recovering chain tip: %w", err)
	}

	return log, nil
}

// Record appends an event. It never reports failure to the caller: the
// surrounding operation (create, extend, stop) must complete whether or
// not its audit write succeeded. Append failures are logged at Error
// level and counted; [Log.Dropped] exposes the count for operational
// monitoring.
//
// A zero Timestamp is filled from the log's clock. An event without an
// Action is itself an audit bug and is recorded as dropped.
func (l *Log) Record(ctx context.Context, event Event) {
	if event.Action == "" {
		l.dropped.Add(1)
		l.logger.Error("audit event without action dropped",
			"principal", event.PrincipalID,
			"instance", event.InstanceID,
		)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.Now()
	}

	if err := l.append(ctx, event); err != nil {
		l.dropped.Add(1)
		l.logger.Error("audit append failed",
			"action", string(event.Action),
			"instance", event.InstanceID,
			"error", err,
		)
	}
}

// Dropped returns the number of events lost to append failures since
// the log was opened.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// append writes one event row, extending the hash chain.
func (l *Log) append(ctx context.Context, event Event) error {
	var detailJSON string
	if len(event.Detail) > 0 {
		data, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detailJSON = string(data)
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	l.chainMu.Lock()
	defer l.chainMu.Unlock()

	hash, err := chainHash(l.lastHash, event, detailJSON)
	if err != nil {
		return err
	}

	var detailColumn any
	if detailJSON != "" {
		detailColumn = detailJSON
	}
	var principalColumn any
	if event.PrincipalID != "" {
		principalColumn = event.PrincipalID
	}
	var instanceColumn any
	if event.InstanceID != "" {
		instanceColumn = event.InstanceID
	}
	var challengeColumn any
	if event.ChallengeID != "" {
		challengeColumn = event.ChallengeID
	}

	err = sqlitex.Execute(conn, `INSERT INTO audit_events
		(principal_id, instance_id, challenge_id, action, timestamp, detail, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				principalColumn,
				instanceColumn,
				challengeColumn,
				string(event.Action),
				event.Timestamp.UnixNano(),
				detailColumn,
				l.lastHash,
				hash,
			},
		})
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	l.lastHash = hash
	return nil
}

// chainRecord is the canonical hashed form of an event. Detail is the
// exact JSON text stored in the row, not a re-encoding, so Verify can
// reproduce the hash byte-for-byte from stored columns.
type chainRecord struct {
	PrincipalID string `cbor:"principal_id"`
	InstanceID  string `cbor:"instance_id"`
	ChallengeID string `cbor:"challenge_id"`
	Action      string `cbor:"action"`
	Timestamp   int64  `cbor:"timestamp"`
	Detail      string `cbor:"detail"`
}

// chainHash computes BLAKE3(prevHash || canonical CBOR of the event).
func chainHash(prevHash []byte, event Event, detailJSON string) ([]byte, error) {
	canonical, err := codec.Marshal(chainRecord{
		PrincipalID: event.PrincipalID,
		InstanceID:  event.InstanceID,
		ChallengeID: event.ChallengeID,
		Action:      string(event.Action),
		Timestamp:   event.Timestamp.UnixNano(),
		Detail:      detailJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}

	hasher := blake3.New()
	hasher.Write(prevHash)
	hasher.Write(canonical)
	return hasher.Sum(nil), nil
}

// Query returns stored events matching the filter, ordered by append
// sequence (which is also time order, since appends are serialized).
func (l *Log) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer l.pool.Put(conn)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any

	if filter.PrincipalID != "" {
		conditions = append(conditions, "principal_id = ?")
		args = append(args, filter.PrincipalID)
	}
	if filter.InstanceID != "" {
		conditions = append(conditions, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.ChallengeID != "" {
		conditions = append(conditions, "challenge_id = ?")
		args = append(args, filter.ChallengeID)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(filter.Action))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.After.UnixNano())
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filter.Before.UnixNano())
	}

	query := "SELECT seq, principal_id, instance_id, challenge_id, action, timestamp, detail, hash FROM audit_events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, limit)

	var entries []Entry
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry, err := scanEntry(stmt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}

// Verify walks the entire chain from the genesis hash and returns the
// sequence number of the first entry whose hash does not match its
// recomputation, or 0 if the chain is intact. A deleted or reordered
// row surfaces as a mismatch at the first entry after the gap.
func (l *Log) Verify(ctx context.Context) (int64, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: verify: %w", err)
	}
	defer l.pool.Put(conn)

	prevHash := make([]byte, 32)
	var brokenSeq int64

	err = sqlitex.Execute(conn,
		"SELECT seq, principal_id, instance_id, challenge_id, action, timestamp, detail, hash FROM audit_events ORDER BY seq ASC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if brokenSeq != 0 {
					return nil
				}

				entry, err := scanEntry(stmt)
				if err != nil {
					return err
				}

				var detailJSON string
				if !stmt.ColumnIsNull(6) {
					detailJSON = stmt.ColumnText(6)
				}

				expected, err := chainHash(prevHash, entry.Event, detailJSON)
				if err != nil {
					return err
				}
				if !hashEqual(expected, entry.Hash) {
					brokenSeq = entry.Seq
					return nil
				}
				prevHash = entry.Hash
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("audit: verify: %w", err)
	}
	return brokenSeq, nil
}

// scanEntry reads one audit_events row. Column order: seq(0),
// principal_id(1), instance_id(2), challenge_id(3), action(4),
// timestamp(5), detail(6), hash(7).
func scanEntry(stmt *sqlite.Stmt) (Entry, error) {
	entry := Entry{
		Seq: stmt.ColumnInt64(0),
		Event: Event{
			PrincipalID: stmt.ColumnText(1),
			InstanceID:  stmt.ColumnText(2),
			ChallengeID: stmt.ColumnText(3),
			Action:      Action(stmt.ColumnText(4)),
			Timestamp:   time.Unix(0, stmt.ColumnInt64(5)).UTC(),
		},
	}

	if !stmt.ColumnIsNull(6) {
		detailJSON := stmt.ColumnText(6)
		if err := json.Unmarshal([]byte(detailJSON), &entry.Detail); err != nil {
			return entry, fmt.Errorf("unmarshal detail for seq %d: %w", entry.Seq, err)
		}
	}

	entry.Hash = make([]byte, stmt.ColumnLen(7))
	stmt.ColumnBytes(7, entry.Hash)

	return entry, nil
}

// hashEqual compares two chain hashes. Audit hashes are not secrets;
// plain comparison is fine here.
func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
