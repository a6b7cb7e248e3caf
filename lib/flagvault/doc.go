// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package flagvault generates, stores, rotates, and validates the
// secret flag bound to each instance.
//
// A flag is 160 bits from crypto/rand — never derived from the
// instance, challenge, or principal — formatted as ARENA{...}. At rest
// it exists only as an age ciphertext: age provides authenticated
// encryption, so a corrupted or forged ciphertext fails decryption
// outright instead of yielding garbage that might compare equal to a
// submission.
//
// The [Keyring] holds one age x25519 keypair per key id. New
// ciphertexts are always produced under the current key; rotation
// activates a fresh keypair while retaining every retired identity, so
// ciphertexts written under old keys stay decryptable for as long as
// any stored credential references them. Private keys live in
// lib/secret buffers (mlocked, zeroed on close).
//
// Validation decrypts the stored ciphertext and compares it to the
// submission in constant time. A submission against an instance with
// no stored credential is reported as a plain rejection — absence of a
// binding must not be distinguishable from a wrong guess, or the
// validation endpoint becomes an instance-existence oracle.
package flagvault
