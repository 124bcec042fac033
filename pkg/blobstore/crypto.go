// The encrypting decorator wraps any Store and transparently encrypts payload bytes at the
// boundary with AES-GCM. Keys and expiry metadata stay in the clear so replay, scans, and sweeps
// work without the encryption key. Key management policy (rotation, derivation, escrow) is the
// caller's concern; the decorator just consumes raw key material.

package blobstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// EncryptedStore decorates another Store with payload encryption.
type EncryptedStore struct { // Implements Store.
	inner Store
	aead  cipher.AEAD
}

var _ Store = (*EncryptedStore)(nil)

// NewEncryptedStore is the constructor for EncryptedStore. The key must be 16, 24, or 32 bytes,
// selecting AES-128, AES-192, or AES-256 respectively.
func NewEncryptedStore(inner Store, key []byte) (*EncryptedStore, error) {
	if inner == nil {
		return nil, errors.New("expected a non-nil inner store")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload cipher: %w", err)
	}
	return &EncryptedStore{inner: inner, aead: aead}, nil
}

// Get reads the entry from the inner store and decrypts its payload in place. A payload that fails
// authentication (tampered bytes or a wrong key) surfaces as a storage failure.
func (e *EncryptedStore) Get(key string) (Entry, error) {
	entry, err := e.inner.Get(key)
	if err != nil {
		return Entry{}, err
	}
	if len(entry.Payload) < e.aead.NonceSize() {
		return Entry{}, fmt.Errorf("%w: payload of %q is too short to carry a nonce", ErrStorage, key)
	}
	nonce, ciphertext := entry.Payload[:e.aead.NonceSize()], entry.Payload[e.aead.NonceSize():]
	// The key is bound in as additional data, so a ciphertext can't be replayed under another key.
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(entry.Key))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: failed to decrypt payload of %q: %w", ErrStorage, key, err)
	}
	entry.Payload = plaintext
	return entry, nil
}

// Put encrypts the payload under a fresh random nonce and stores nonce||ciphertext.
func (e *EncryptedStore) Put(entry Entry) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("%w: failed to draw a payload nonce: %w", ErrStorage, err)
	}
	sealed := e.aead.Seal(nonce, nonce, entry.Payload, []byte(entry.Key))
	entry.Payload = sealed
	return e.inner.Put(entry)
}

func (e *EncryptedStore) Delete(key string) error { return e.inner.Delete(key) }

func (e *EncryptedStore) Keys(prefix string) ([]string, error) { return e.inner.Keys(prefix) }

func (e *EncryptedStore) Flush() error { return e.inner.Flush() }

func (e *EncryptedStore) Close() error { return e.inner.Close() }

// Compact forwards to the inner store when it keeps history. Sealed payloads are rewritten as is.
func (e *EncryptedStore) Compact() error {
	if compacter, ok := e.inner.(interface{ Compact() error }); ok {
		return compacter.Compact()
	}
	return nil
}
