// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package flagvault

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/bureau-foundation/arena/lib/secret"
)

// KeyID identifies one keypair in a keyring. IDs are assigned
// sequentially starting at 1 and are never reused within a keyring.
type KeyID int64

// ErrUnknownKey is returned when a stored credential references a key
// id the keyring does not hold. This means the keyring file and the
// credential store are out of sync — typically a restored database
// paired with a stale key file.
var ErrUnknownKey = errors.New("flagvault: unknown key id")

// keypair pairs an age x25519 identity with its public recipient. The
// private key lives in mmap-backed memory; the recipient string is
// safe to hold on the heap.
type keypair struct {
	privateKey *secret.Buffer
	recipient  string
}

// Keyring holds every keypair ever activated, keyed by id. Encryption
// always uses the current key; decryption selects by the key id stored
// alongside each ciphertext, so rotation never strands old
// credentials.
type Keyring struct {
	mu      sync.RWMutex
	current KeyID
	keys    map[KeyID]*keypair
}

// NewKeyring creates a keyring with a single freshly generated keypair
// as key 1.
func NewKeyring() (*Keyring, error) {
	ring := &Keyring{keys: make(map[KeyID]*keypair)}
	if _, err := ring.Rotate(); err != nil {
		return nil, err
	}
	return ring, nil
}

// Rotate generates a new keypair, makes it the current encryption key,
// and returns its id. Previously active keypairs are retained for
// decryption of credentials issued under them.
func (r *Keyring) Rotate() (KeyID, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return 0, fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return 0, fmt.Errorf("protecting private key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.current + 1
	r.keys[id] = &keypair{
		privateKey: privateKey,
		recipient:  identity.Recipient().String(),
	}
	r.current = id
	return id, nil
}

// CurrentKey returns the id of the key new ciphertexts are encrypted
// under.
func (r *Keyring) CurrentKey() KeyID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Encrypt encrypts plaintext under the current key and returns the
// base64-encoded ciphertext along with the key id it was produced
// under. The caller stores the id next to the ciphertext so the right
// identity can be selected at decryption time.
func (r *Keyring) Encrypt(plaintext []byte) (string, KeyID, error) {
	r.mu.RLock()
	id := r.current
	pair := r.keys[id]
	r.mu.RUnlock()
	if pair == nil {
		return "", 0, fmt.Errorf("%w: %d", ErrUnknownKey, id)
	}

	recipient, err := age.ParseX25519Recipient(pair.recipient)
	if err != nil {
		return "", 0, fmt.Errorf("parsing recipient for key %d: %w", id, err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return "", 0, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", 0, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", 0, fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), id, nil
}

// Decrypt decrypts a base64-encoded ciphertext produced under the
// given key id. The plaintext is returned in a secret.Buffer; the
// caller must Close it.
func (r *Keyring) Decrypt(ciphertext string, id KeyID) (*secret.Buffer, error) {
	r.mu.RLock()
	pair := r.keys[id]
	r.mu.RUnlock()
	if pair == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKey, id)
	}

	// age.ParseX25519Identity requires a string. The heap copy is
	// brief and request-scoped; the mmap buffer is the durable copy.
	identity, err := age.ParseX25519Identity(pair.privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key %d: %w", id, err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// Close releases every private key buffer. The keyring must not be
// used afterwards.
func (r *Keyring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, pair := range r.keys {
		if err := pair.privateKey.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.keys = map[KeyID]*keypair{}
	return firstErr
}

// Serialization format for the key file: a "current" line followed by
// one "key <id> <AGE-SECRET-KEY-...>" line per keypair. The whole file
// is secret material and is written with secret.WriteFile (0600,
// atomic rename).

// SaveKeyring writes the keyring to path. The recipient for each key
// is re-derived from the private key at load time, so only identities
// are persisted.
func SaveKeyring(ring *Keyring, path string) error {
	ring.mu.RLock()
	var content bytes.Buffer
	fmt.Fprintf(&content, "current %d\n", ring.current)
	for id, pair := range ring.keys {
		fmt.Fprintf(&content, "key %d %s\n", id, pair.privateKey.String())
	}
	ring.mu.RUnlock()

	data := content.Bytes()
	err := secret.WriteFile(path, data)
	secret.Zero(data)
	if err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// LoadKeyring reads a keyring previously written by SaveKeyring. The
// file must be owner-readable only; secret.ReadFile refuses anything
// looser.
func LoadKeyring(path string) (*Keyring, error) {
	raw, err := secret.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	defer raw.Close()

	ring := &Keyring{keys: make(map[KeyID]*keypair)}
	for lineNumber, line := range strings.Split(raw.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "current":
			if len(fields) != 2 {
				return nil, fmt.Errorf("key file line %d: malformed current line", lineNumber+1)
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("key file line %d: %w", lineNumber+1, err)
			}
			ring.current = KeyID(id)
		case "key":
			if len(fields) != 3 {
				return nil, fmt.Errorf("key file line %d: malformed key line", lineNumber+1)
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("key file line %d: %w", lineNumber+1, err)
			}
			identity, err := age.ParseX25519Identity(fields[2])
			if err != nil {
				return nil, fmt.Errorf("key file line %d: invalid private key: %w", lineNumber+1, err)
			}
			privateKey, err := secret.NewFromBytes([]byte(fields[2]))
			if err != nil {
				return nil, fmt.Errorf("protecting private key: %w", err)
			}
			ring.keys[KeyID(id)] = &keypair{
				privateKey: privateKey,
				recipient:  identity.Recipient().String(),
			}
		default:
			return nil, fmt.Errorf("key file line %d: unknown directive %q", lineNumber+1, fields[0])
		}
	}

	if ring.current == 0 || ring.keys[ring.current] == nil {
		return nil, fmt.Errorf("key file %s: current key %d not present", path, ring.current)
	}
	return ring, nil
}
