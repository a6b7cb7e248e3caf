// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command arena-service is the challenge instance daemon. It owns the
// instance lifecycle state machine, the flag vault, and the expiry
// reaper, and exposes them over a Unix domain socket speaking
// one-shot CBOR requests.
//
// Workloads are started and stopped through operator-configured
// commands (provisioner.start_command / stop_command in the config
// file). The start command receives instance metadata and the
// plaintext flag in ARENA_* environment variables and prints an
// opaque workload handle on stdout; the stop command receives that
// handle back in ARENA_WORKLOAD_HANDLE.
//
// Callers on the socket are pre-authenticated: the front end that
// proxies solver traffic stamps each request with the principal name
// and an admin bit. This daemon enforces ownership and admin gating
// on top of that identity, not authentication itself.
package main
