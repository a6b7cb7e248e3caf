// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flagvault

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/bureau-foundation/arena/lib/secret"
)

// flagEncoding is lowercase base32 without padding: unambiguous to
// transcribe and safe in URLs, shell arguments, and JSON without
// escaping.
var flagEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// generateFlag produces a fresh flag in ARENA{...} format. The body is
// 160 bits from crypto/rand, so flags carry no information about the
// instance, challenge, or principal they are bound to.
func generateFlag() ([]byte, error) {
	var entropy [20]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return nil, fmt.Errorf("reading flag entropy: %w", err)
	}
	flag := []byte("ARENA{" + flagEncoding.EncodeToString(entropy[:]) + "}")
	secret.Zero(entropy[:])
	return flag, nil
}

// Redact replaces the body of anything shaped like a flag with a fixed
// marker, leaving other text untouched. Audit details and log messages
// pass submissions through here so a correct flag never lands in
// durable plaintext records.
func Redact(text string) string {
	start := strings.Index(text, "ARENA{")
	if start < 0 {
		return text
	}
	end := strings.Index(text[start:], "}")
	if end < 0 {
		return text[:start] + "ARENA{[redacted]"
	}
	return text[:start] + "ARENA{[redacted]}" + text[start+end+1:]
}
