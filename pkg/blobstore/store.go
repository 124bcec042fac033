// Package blobstore implements durable keyed byte storage for fig. A store owns the entries of
// exactly one namespace; the same physical location is never shared between two stores. Stores
// return entries raw, including expiry metadata: judging whether an entry is still visible belongs
// to the expiry package, not here.

package blobstore

import (
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when a key has no stored entry.
	ErrKeyNotFound = errors.New("key was not found")
	// ErrStorage wraps backend IO faults. The store never retries internally; retry policy is a
	// caller concern.
	ErrStorage = errors.New("storage backend failure")
)

// Entry is a stored cache record. Entries are immutable once written; an update replaces the entry
// wholesale rather than mutating fields in place. A zero ExpiresAt means the entry never expires.
type Entry struct {
	Key       string
	TypeTag   string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expires reports whether the entry carries an expiry time at all.
func (e Entry) Expires() bool { return !e.ExpiresAt.IsZero() }

// Store is the capability set shared by every backend: in-memory, append-log-on-disk, and the
// encrypting decorator wrapping either.
type Store interface {
	// Get returns the raw stored entry for the key without interpreting expiration.
	Get(key string) (Entry, error)
	// Put atomically replaces any existing entry for the key. On-disk backends are durable before
	// Put returns.
	Put(entry Entry) error
	// Delete removes the entry. Deleting an absent key is not an error.
	Delete(key string) error
	// Keys returns a snapshot of the keys present at call time, sorted, optionally restricted to a
	// prefix. Entries inserted or removed after the call are not reflected.
	Keys(prefix string) ([]string, error)
	// Flush commits all buffered writes before returning, on every exit path.
	Flush() error
	// Close flushes and releases the backing resource. The resource is released even when the
	// final drain fails; the error is still reported.
	Close() error
}
