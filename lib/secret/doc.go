// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data: flag
// plaintext during validation, and the age private keys that decrypt
// stored flag ciphertexts.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped.
//
// Because the memory is allocated outside the Go heap, the garbage
// collector never sees it and cannot copy or relocate it. This is the
// only way to guarantee that a decrypted flag does not persist in
// memory after its validation completes.
//
// ConstantTimeEquals compares buffer contents against a submitted value
// in constant time. Flag validation must use it instead of bytes.Equal:
// a naive comparison leaks a timing side channel proportional to the
// length of the matching prefix.
package secret
