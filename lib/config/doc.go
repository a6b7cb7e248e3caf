// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the arena service.
//
// Configuration is loaded from a single YAML file specified by the
// ARENA_CONFIG environment variable or the --config flag. There are no
// fallbacks or automatic discovery: deterministic, auditable
// configuration with no hidden overrides. Validation failures are
// fatal at startup, never deferred to request time.
package config
