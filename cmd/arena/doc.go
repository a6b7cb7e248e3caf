// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command arena is the operator and solver CLI for the arena service.
// It talks to the daemon's Unix socket and covers the full surface:
// instance lifecycle, flag submission, audit inspection, policy
// management, and key rotation.
package main
