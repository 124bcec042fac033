// Package cache is the public facade of fig. A Manager composes the codec, a blob store backend,
// the expiry sweeper, and the fetch coordinator into typed insert/get/invalidate/bulk operations
// over one namespace. Managers are explicitly constructed values: there is no process-wide
// registry, and two managers never share a backing location.

package cache

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nobletooth/fig/pkg/blobstore"
	"github.com/nobletooth/fig/pkg/clock"
	"github.com/nobletooth/fig/pkg/codec"
	"github.com/nobletooth/fig/pkg/expiry"
	"github.com/nobletooth/fig/pkg/fetch"
)

var dataDir = flag.String("data_dir", "./data", "Parent directory where disk namespaces are stored.")

// Backend selects the storage backend of a namespace.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendDisk   Backend = "disk"
	// BackendEncrypted is the encrypting decorator over the disk backend.
	BackendEncrypted Backend = "encrypted"
)

// Config describes one cache namespace at construction time.
type Config struct {
	// Namespace names the cache instance and, for disk backends, its directory under Dir.
	Namespace string
	// Backend defaults to BackendMemory.
	Backend Backend
	// Dir overrides the --data_dir flag as the parent directory for disk namespaces.
	Dir string
	// EncryptionKey is the raw AES key for BackendEncrypted (16, 24, or 32 bytes).
	EncryptionKey []byte
	// Executor receives the completion of asynchronous calls. Defaults to Spawn.
	Executor Executor
	// SweepInterval is the minimum interval between lazy expiry sweeps. A non-positive value
	// falls back to the --sweep_interval flag.
	SweepInterval time.Duration
	// Clock is the time source for entry timestamps and expiry. Defaults to the system clock.
	Clock clock.Clock
}

// Manager is a typed object cache bound to exactly one namespace for its lifetime.
type Manager struct {
	namespace string
	store     blobstore.Store
	sweeper   *expiry.Sweeper
	fetcher   *fetch.Coordinator
	executor  Executor
	clk       clock.Clock

	closeOnce sync.Once
	closeErr  error
}

// Open constructs the store stack for the namespace, takes its exclusive backing location, and
// runs one eager expiry sweep. The returned manager must be closed to release the namespace.
func Open(conf Config) (*Manager, error) {
	if conf.Namespace == "" {
		return nil, errors.New("expected a non-empty namespace")
	}
	if strings.ContainsRune(conf.Namespace, filepath.Separator) {
		return nil, fmt.Errorf("namespace %q must not contain path separators", conf.Namespace)
	}
	clk := conf.Clock
	if clk == nil {
		clk = clock.System{}
	}
	executor := conf.Executor
	if executor == nil {
		executor = Spawn
	}

	dir := conf.Dir
	if dir == "" {
		dir = *dataDir
	}
	var store blobstore.Store
	switch conf.Backend {
	case BackendMemory, "":
		store = blobstore.NewMemoryStore()
	case BackendDisk:
		diskStore, err := blobstore.NewDiskStore(filepath.Join(dir, conf.Namespace), clk)
		if err != nil {
			return nil, fmt.Errorf("failed to open namespace %q: %w", conf.Namespace, err)
		}
		store = diskStore
	case BackendEncrypted:
		diskStore, err := blobstore.NewDiskStore(filepath.Join(dir, conf.Namespace), clk)
		if err != nil {
			return nil, fmt.Errorf("failed to open namespace %q: %w", conf.Namespace, err)
		}
		encrypted, err := blobstore.NewEncryptedStore(diskStore, conf.EncryptionKey)
		if err != nil {
			_ = diskStore.Close()
			return nil, fmt.Errorf("failed to open namespace %q: %w", conf.Namespace, err)
		}
		store = encrypted
	default:
		return nil, fmt.Errorf("unknown backend %q", conf.Backend)
	}

	manager := &Manager{
		namespace: conf.Namespace,
		store:     store,
		sweeper:   expiry.NewSweeper(store, clk, conf.SweepInterval),
		fetcher:   fetch.NewCoordinator(store),
		executor:  executor,
		clk:       clk,
	}
	// Expired leftovers from a previous run are purged eagerly at namespace open.
	if _, err := manager.sweeper.Sweep(); err != nil {
		slog.Warn("Eager expiry sweep failed at namespace open.", "namespace", conf.Namespace, "error", err)
	}

	slog.Info("Opened cache namespace.", "namespace", conf.Namespace, "backend", conf.Backend)
	return manager, nil
}

// expiresAt turns a ttl into an absolute expiry. A non-positive ttl means the entry never expires.
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Insert encodes the value and writes it under the key, unconditionally superseding any existing
// entry regardless of its declared type. A non-positive ttl stores the entry without expiry.
func (m *Manager) Insert(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.sweeper.MaybeSweep()

	payload, err := codec.Encode(value)
	if err != nil {
		return err
	}
	now := m.clk.Now()
	entry := blobstore.Entry{
		Key:       key,
		TypeTag:   codec.TagOf(value),
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: expiresAt(now, ttl),
	}
	if err := m.store.Put(entry); err != nil {
		return fmt.Errorf("failed to insert %q: %w", key, err)
	}
	return nil
}

// rawVisible returns the stored entry when it exists and is still visible; an expired entry is
// reported as not found, never served.
func (m *Manager) rawVisible(key string) (blobstore.Entry, error) {
	entry, err := m.store.Get(key)
	if errors.Is(err, blobstore.ErrKeyNotFound) {
		readsMetric.WithLabelValues(m.namespace, outcomeMiss).Inc()
		return blobstore.Entry{}, err
	}
	if err != nil {
		return blobstore.Entry{}, err
	}
	if !expiry.Visible(entry, m.clk.Now()) {
		readsMetric.WithLabelValues(m.namespace, outcomeExpired).Inc()
		return blobstore.Entry{}, fmt.Errorf("%w: %s has expired", blobstore.ErrKeyNotFound, key)
	}
	return entry, nil
}

// Get reads and decodes the entry stored under the key. It fails with blobstore.ErrKeyNotFound
// when the key is absent or expired, and codec.ErrSchemaMismatch when the stored entry was written
// as a different type or its payload no longer decodes.
func Get[T any](ctx context.Context, m *Manager, key string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	m.sweeper.MaybeSweep()

	entry, err := m.rawVisible(key)
	if err != nil {
		return zero, err
	}
	if want := codec.TagFor[T](); entry.TypeTag != want {
		return zero, fmt.Errorf("%w: key %q holds %s, requested %s",
			codec.ErrSchemaMismatch, key, entry.TypeTag, want)
	}
	var value T
	if err := codec.Decode(entry.Payload, &value); err != nil {
		return zero, err
	}
	readsMetric.WithLabelValues(m.namespace, outcomeHit).Inc()
	return value, nil
}

// GetOrFetch reads the key and, on a miss, runs the producer through the fetch coordinator:
// concurrent misses for the same key share one producer invocation, and the produced value is
// stored with a fresh ttl before any waiter is released. A stale entry that expired while the
// producer was in flight is superseded by the commit.
func GetOrFetch[T any](ctx context.Context, m *Manager, key string,
	producer func(ctx context.Context) (T, error), ttl time.Duration) (T, error) {
	var zero T
	value, err := Get[T](ctx, m, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, blobstore.ErrKeyNotFound) {
		return zero, err // Schema mismatches and storage faults are not recovered by fetching.
	}

	tag := codec.TagFor[T]()
	result, err := m.fetcher.GetOrPopulate(ctx, key, func(ctx context.Context) (blobstore.Entry, error) {
		produced, err := producer(ctx)
		if err != nil {
			return blobstore.Entry{}, err
		}
		payload, err := codec.Encode(produced)
		if err != nil {
			return blobstore.Entry{}, err
		}
		now := m.clk.Now()
		return blobstore.Entry{
			Key:       key,
			TypeTag:   tag,
			Payload:   payload,
			CreatedAt: now,
			ExpiresAt: expiresAt(now, ttl),
		}, nil
	})
	if err != nil {
		return zero, err
	}
	if result.Shared {
		coalescedFetchesMetric.WithLabelValues(m.namespace).Inc()
	}
	var fetched T
	if err := codec.Decode(result.Entry.Payload, &fetched); err != nil {
		return zero, err
	}
	return fetched, nil
}

// Invalidate deletes the entry unconditionally. Invalidating an absent key is not an error.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.store.Delete(key); err != nil {
		return fmt.Errorf("failed to invalidate %q: %w", key, err)
	}
	return nil
}

// Contains reports whether the key currently holds a visible entry, without decoding it.
func (m *Manager) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := m.rawVisible(key)
	if errors.Is(err, blobstore.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TTL returns the remaining time to live of a visible entry. hasExpiry is false for entries stored
// without a ttl.
func (m *Manager) TTL(ctx context.Context, key string) (remaining time.Duration, hasExpiry bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	entry, err := m.rawVisible(key)
	if err != nil {
		return 0, false, err
	}
	if !entry.Expires() {
		return 0, false, nil
	}
	return entry.ExpiresAt.Sub(m.clk.Now()), true, nil
}

// Keys returns a snapshot of the visible keys in the namespace, optionally restricted to a prefix.
func (m *Manager) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := m.store.Keys(prefix)
	if err != nil {
		return nil, err
	}
	now := m.clk.Now()
	visible := make([]string, 0, len(keys))
	for _, key := range keys {
		entry, err := m.store.Get(key)
		if err != nil {
			continue // Deleted since the snapshot was taken.
		}
		if expiry.Visible(entry, now) {
			visible = append(visible, key)
		}
	}
	return visible, nil
}

// All scans the namespace and decodes every visible entry stored as T, keyed by its cache key.
// Entries holding other types or payloads that fail to decode are skipped, not fatal: the bulk
// call prefers partial results over total failure.
func All[T any](ctx context.Context, m *Manager) (map[string]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.sweeper.MaybeSweep()

	keys, err := m.store.Keys("" /*prefix*/)
	if err != nil {
		return nil, err
	}
	want := codec.TagFor[T]()
	values := make(map[string]T)
	for _, key := range keys {
		entry, err := m.store.Get(key)
		if err != nil {
			continue // Deleted since the snapshot was taken.
		}
		if !expiry.Visible(entry, m.clk.Now()) || entry.TypeTag != want {
			continue
		}
		var value T
		if err := codec.Decode(entry.Payload, &value); err != nil {
			slog.Debug("Skipping undecodable entry in bulk read.", "namespace", m.namespace, "key", key, "error", err)
			continue
		}
		values[key] = value
	}
	return values, nil
}

// Flush commits all buffered writes of the backing store before returning.
func (m *Manager) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.Flush()
}

// Compact reclaims space held by superseded and expired records on backends that keep history.
// Backends without history (memory) treat it as a no-op.
func (m *Manager) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	compacter, ok := m.store.(interface{ Compact() error })
	if !ok {
		return nil
	}
	return compacter.Compact()
}

// Close drains pending writes and releases the namespace. The backing resource is released even
// when the drain fails; the error is still reported. Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.store.Close()
		slog.Info("Closed cache namespace.", "namespace", m.namespace)
	})
	return m.closeErr
}
