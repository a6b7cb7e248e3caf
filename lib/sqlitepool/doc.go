// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the arena-standard SQLite connection pool.
//
// The instance store, the flag vault, and the audit log all share one
// database file opened through this package. It wraps
// zombiezen.com/go/sqlite with production defaults: WAL journal mode,
// NORMAL synchronous for process-crash durability without
// fsync-per-commit overhead, and a busy timeout to handle write
// contention gracefully.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for the
// duration of its work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: write-ahead logging for concurrent readers and
//     a single writer. The reaper's candidate scan never blocks a
//     user-facing extend.
//   - synchronous=NORMAL: transactions survive process crashes.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock instead
//     of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF: the lifecycle manager owns referential
//     integrity explicitly. Audit events must outlive the instances
//     they reference, so FK cascades are exactly wrong here.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Design
//
// This package is intentionally thin: it applies standard pragmas and
// exposes the underlying zombiezen types directly. There is no query
// builder and no attempt to abstract away SQLite's connection model.
// Stores write SQL, use sqlitex.Execute for cached statements, and
// manage transactions with sqlitex.ImmediateTransaction.
package sqlitepool
