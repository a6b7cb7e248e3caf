// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the arena-standard CBOR encoding.
//
// All wire serialization — the daemon's unix-socket request/response
// protocol and the canonical event bytes fed into the audit hash
// chain — goes through this package. Encoding uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes, which is what makes the audit chain hash
// reproducible on verification.
//
// Decoding accepts standard CBOR and ignores unknown fields for
// forward compatibility.
package codec
