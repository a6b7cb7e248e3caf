// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flagvault

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestKeyringEncryptDecryptRoundTrip(t *testing.T) {
	ring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	defer ring.Close()

	plaintext := []byte("ARENA{roundtripvalue}")
	ciphertext, keyID, err := ring.Encrypt(append([]byte(nil), plaintext...))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if keyID != 1 {
		t.Errorf("keyID = %d, want 1", keyID)
	}

	decrypted, err := ring.Decrypt(ciphertext, keyID)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer decrypted.Close()
	if decrypted.String() != string(plaintext) {
		t.Errorf("Decrypt = %q, want %q", decrypted.String(), plaintext)
	}
}

func TestKeyringDecryptUnknownKey(t *testing.T) {
	ring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	defer ring.Close()

	_, err = ring.Decrypt("aW5ub2N1b3Vz", 99)
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Decrypt with unknown key: error = %v, want ErrUnknownKey", err)
	}
}

func TestKeyringSaveLoadRoundTrip(t *testing.T) {
	ring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	defer ring.Close()

	// Two keys on disk: one retired, one current.
	ciphertextUnderKey1, _, err := ring.Encrypt([]byte("issued under key 1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := ring.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "arena.keys")
	if err := SaveKeyring(ring, path); err != nil {
		t.Fatalf("SaveKeyring: %v", err)
	}

	loaded, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	defer loaded.Close()

	if loaded.CurrentKey() != 2 {
		t.Errorf("loaded CurrentKey = %d, want 2", loaded.CurrentKey())
	}

	decrypted, err := loaded.Decrypt(ciphertextUnderKey1, 1)
	if err != nil {
		t.Fatalf("Decrypt with loaded retired key: %v", err)
	}
	defer decrypted.Close()
	if decrypted.String() != "issued under key 1" {
		t.Errorf("Decrypt = %q", decrypted.String())
	}

	// New encryptions from the loaded ring use the current key.
	_, keyID, err := loaded.Encrypt([]byte("issued under key 2"))
	if err != nil {
		t.Fatalf("Encrypt with loaded ring: %v", err)
	}
	if keyID != 2 {
		t.Errorf("loaded Encrypt keyID = %d, want 2", keyID)
	}
}

func TestLoadKeyringMissingCurrent(t *testing.T) {
	ring, err := NewKeyring()
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	defer ring.Close()

	path := filepath.Join(t.TempDir(), "arena.keys")
	if err := SaveKeyring(ring, path); err != nil {
		t.Fatalf("SaveKeyring: %v", err)
	}

	// Corrupt the file so the current pointer targets a missing key.
	damaged, err := LoadKeyring(path)
	if err != nil {
		t.Fatalf("LoadKeyring: %v", err)
	}
	damaged.mu.Lock()
	damaged.current = 7
	damaged.mu.Unlock()
	if err := SaveKeyring(damaged, path); err != nil {
		t.Fatalf("SaveKeyring damaged: %v", err)
	}
	damaged.Close()

	if _, err := LoadKeyring(path); err == nil {
		t.Fatal("LoadKeyring accepted a file whose current key is absent")
	}
}
