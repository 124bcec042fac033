// Package fetch guards the cache against thundering herds: when N callers miss on the same key at
// once, the expensive producer runs once and all N receive the identical outcome. The in-flight
// record lives exactly as long as one producer invocation; the instant it settles (success or
// failure) the record is gone, so a later retry starts a fresh coordination cycle.

package fetch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/nobletooth/fig/pkg/blobstore"
)

// ErrProducer wraps a failed producer invocation. Every coalesced waiter receives the same wrapped
// error, and nothing is written to storage.
var ErrProducer = errors.New("producer failed")

// Producer populates a missing key. It returns the entry to store; the coordinator fills in
// nothing and stores it verbatim on success.
type Producer func(ctx context.Context) (blobstore.Entry, error)

// Result is what every coalesced caller of GetOrPopulate receives.
type Result struct {
	Entry blobstore.Entry
	// Shared is true when this outcome was produced by another caller's in-flight invocation.
	Shared bool
}

// Coordinator deduplicates concurrent fetches per key and commits successful results to the store.
type Coordinator struct {
	store blobstore.Store
	group singleflight.Group
}

// NewCoordinator is the constructor for Coordinator.
func NewCoordinator(store blobstore.Store) *Coordinator {
	return &Coordinator{store: store}
}

// GetOrPopulate runs the producer for `key` unless one is already in flight, in which case the
// caller is attached as an additional awaiter of the pending invocation. On success the produced
// entry is written to the store before any waiter is released, so a waiter that re-reads observes
// it. A caller whose context is done abandons its own wait only: the producer keeps running for
// the remaining waiters and the storage write is unaffected.
func (c *Coordinator) GetOrPopulate(ctx context.Context, key string, producer Producer) (Result, error) {
	resultCh := c.group.DoChan(key, func() (any, error) {
		// The producer outlives any single waiter, so it must not inherit one waiter's deadline.
		entry, err := producer(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProducer, err)
		}
		if err := c.store.Put(entry); err != nil {
			return nil, fmt.Errorf("failed to store produced entry for %q: %w", key, err)
		}
		return entry, nil
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return Result{Shared: res.Shared}, res.Err
		}
		return Result{Entry: res.Val.(blobstore.Entry), Shared: res.Shared}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
