package cache

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nobletooth/fig/pkg/blobstore"
	"github.com/nobletooth/fig/pkg/clock"
	"github.com/nobletooth/fig/pkg/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Unix(1_700_000_000, 0).UTC()

type user struct {
	Name string
	Age  int
}

// openTestManager opens a memory-backed namespace on a fake clock and closes it with the test.
func openTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	fakeClock := clock.NewFake(testEpoch)
	manager, err := Open(Config{Namespace: "test", Clock: fakeClock, SweepInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, manager.Close()) })
	return manager, fakeClock
}

func TestManager_InsertGetRoundTrip(t *testing.T) {
	manager, _ := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "user:1", user{Name: "Ada", Age: 36}, 0 /*ttl*/))
	got, err := Get[user](ctx, manager, "user:1")
	require.NoError(t, err)
	assert.Equal(t, user{Name: "Ada", Age: 36}, got)

	_, err = Get[user](ctx, manager, "user:2")
	assert.ErrorIs(t, err, blobstore.ErrKeyNotFound)
}

func TestManager_EntryExpiresAtItsDeadline(t *testing.T) {
	manager, fakeClock := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "user:1", user{Name: "Ada"}, time.Minute))

	fakeClock.Advance(59 * time.Second)
	got, err := Get[user](ctx, manager, "user:1")
	require.NoError(t, err, "the entry is visible strictly before its deadline")
	assert.Equal(t, "Ada", got.Name)

	fakeClock.Advance(2 * time.Second)
	_, err = Get[user](ctx, manager, "user:1")
	assert.ErrorIs(t, err, blobstore.ErrKeyNotFound, "an expired entry reads as absent")
}

func TestManager_InsertSupersedesPreviousTypeAndTTL(t *testing.T) {
	manager, fakeClock := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "k", user{Name: "Ada"}, time.Minute))
	require.NoError(t, manager.Insert(ctx, "k", "now a string", 0 /*ttl*/))

	_, err := Get[user](ctx, manager, "k")
	assert.ErrorIs(t, err, codec.ErrSchemaMismatch, "the old type is gone with the old entry")

	fakeClock.Advance(2 * time.Minute)
	got, err := Get[string](ctx, manager, "k")
	require.NoError(t, err, "the overwrite dropped the old expiry")
	assert.Equal(t, "now a string", got)
}

func TestManager_GetWrongTypeFailsWithoutFallback(t *testing.T) {
	manager, _ := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "user:1", user{Name: "Ada"}, 0 /*ttl*/))
	_, err := Get[string](ctx, manager, "user:1")
	assert.ErrorIs(t, err, codec.ErrSchemaMismatch)

	got, err := Get[user](ctx, manager, "user:1")
	require.NoError(t, err, "a mismatched read must not disturb the entry")
	assert.Equal(t, "Ada", got.Name)
}

func TestManager_InvalidateIsIdempotent(t *testing.T) {
	manager, _ := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "k", "v", 0 /*ttl*/))
	require.NoError(t, manager.Invalidate(ctx, "k"))
	require.NoError(t, manager.Invalidate(ctx, "k"), "invalidating an absent key is not an error")

	_, err := Get[string](ctx, manager, "k")
	assert.ErrorIs(t, err, blobstore.ErrKeyNotFound)
}

func TestManager_ContainsAndTTL(t *testing.T) {
	manager, fakeClock := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "eternal", "v", 0 /*ttl*/))
	require.NoError(t, manager.Insert(ctx, "mortal", "v", time.Minute))

	found, err := manager.Contains(ctx, "eternal")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = manager.Contains(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found)

	_, hasExpiry, err := manager.TTL(ctx, "eternal")
	require.NoError(t, err)
	assert.False(t, hasExpiry)

	fakeClock.Advance(20 * time.Second)
	remaining, hasExpiry, err := manager.TTL(ctx, "mortal")
	require.NoError(t, err)
	assert.True(t, hasExpiry)
	assert.Equal(t, 40*time.Second, remaining)

	fakeClock.Advance(41 * time.Second)
	_, _, err = manager.TTL(ctx, "mortal")
	assert.ErrorIs(t, err, blobstore.ErrKeyNotFound)
}

func TestManager_KeysFiltersExpiredAndHonorsPrefix(t *testing.T) {
	manager, fakeClock := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "user:1", "a", 0 /*ttl*/))
	require.NoError(t, manager.Insert(ctx, "user:2", "b", time.Second))
	require.NoError(t, manager.Insert(ctx, "session:1", "c", 0 /*ttl*/))

	fakeClock.Advance(2 * time.Second)
	keys, err := manager.Keys(ctx, "user:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1"}, keys)

	keys, err = manager.Keys(ctx, "" /*prefix*/)
	require.NoError(t, err)
	assert.Equal(t, []string{"session:1", "user:1"}, keys)
}

func TestManager_AllReturnsPartialResults(t *testing.T) {
	manager, fakeClock := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "user:1", user{Name: "Ada"}, 0 /*ttl*/))
	require.NoError(t, manager.Insert(ctx, "user:2", user{Name: "Grace"}, time.Second))
	require.NoError(t, manager.Insert(ctx, "greeting", "hello", 0 /*ttl*/))

	// A corrupt payload under the right tag must be skipped, not fatal.
	require.NoError(t, manager.store.Put(blobstore.Entry{
		Key:       "user:corrupt",
		TypeTag:   codec.TagFor[user](),
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef},
		CreatedAt: testEpoch,
	}))

	fakeClock.Advance(2 * time.Second) // user:2 expires.
	users, err := All[user](ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, map[string]user{"user:1": {Name: "Ada"}}, users)
}

func TestManager_GetOrFetchCoalescesConcurrentMisses(t *testing.T) {
	manager, _ := openTestManager(t)
	ctx := context.Background()

	var invocations atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (user, error) {
		invocations.Add(1)
		<-release
		return user{Name: "Ada", Age: 36}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]user, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GetOrFetch(ctx, manager, "user:1", producer, time.Minute)
		}(i)
	}
	time.Sleep(50 * time.Millisecond) // Let the callers pile onto the in-flight producer.
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invocations.Load(), "concurrent misses share one producer run")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, user{Name: "Ada", Age: 36}, results[i])
	}

	got, err := Get[user](ctx, manager, "user:1")
	require.NoError(t, err, "the fetched value was committed before waiters released")
	assert.Equal(t, "Ada", got.Name)
	assert.Equal(t, int32(1), invocations.Load(), "a committed value serves later reads without fetching")
}

func TestManager_GetOrFetchRefreshesExpiredEntry(t *testing.T) {
	manager, fakeClock := openTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Insert(ctx, "k", "stale", time.Second))
	fakeClock.Advance(2 * time.Second)

	got, err := GetOrFetch(ctx, manager, "k", func(ctx context.Context) (string, error) {
		return "fresh", nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)

	remaining, hasExpiry, err := manager.TTL(ctx, "k")
	require.NoError(t, err)
	assert.True(t, hasExpiry)
	assert.Equal(t, time.Minute, remaining, "the refreshed entry carries the new ttl")
}

func TestManager_AsyncCompletionsUseTheSuppliedExecutor(t *testing.T) {
	fakeClock := clock.NewFake(testEpoch)
	var dispatches atomic.Int32
	executor := ExecutorFunc(func(fn func()) {
		dispatches.Add(1)
		fn()
	})
	manager, err := Open(Config{Namespace: "test", Clock: fakeClock, Executor: executor})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, manager.Close()) })
	ctx := context.Background()

	insertDone := make(chan error, 1)
	manager.InsertAsync(ctx, "k", user{Name: "Ada"}, 0 /*ttl*/, func(err error) { insertDone <- err })
	require.NoError(t, <-insertDone)

	type getOutcome struct {
		value user
		err   error
	}
	getDone := make(chan getOutcome, 1)
	GetAsync(ctx, manager, "k", func(value user, err error) {
		getDone <- getOutcome{value: value, err: err}
	})
	got := <-getDone
	require.NoError(t, got.err)
	assert.Equal(t, "Ada", got.value.Name)

	invalidateDone := make(chan error, 1)
	manager.InvalidateAsync(ctx, "k", func(err error) { invalidateDone <- err })
	require.NoError(t, <-invalidateDone)

	assert.Equal(t, int32(3), dispatches.Load(), "each async call dispatches exactly one completion")
}

func TestManager_DiskBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	conf := Config{Namespace: "persist", Backend: BackendDisk, Dir: dir, Clock: clock.NewFake(testEpoch)}

	manager, err := Open(conf)
	require.NoError(t, err)
	require.NoError(t, manager.Insert(context.Background(), "user:1", user{Name: "Ada"}, 0 /*ttl*/))
	require.NoError(t, manager.Close())

	reopened, err := Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, reopened.Close()) })
	got, err := Get[user](context.Background(), reopened, "user:1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
}

func TestManager_EncryptedBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := bytes.Repeat([]byte{0x42}, 32)
	conf := Config{Namespace: "secret", Backend: BackendEncrypted, Dir: dir,
		EncryptionKey: key, Clock: clock.NewFake(testEpoch)}

	manager, err := Open(conf)
	require.NoError(t, err)
	require.NoError(t, manager.Insert(context.Background(), "token", "s3cr3t", 0 /*ttl*/))
	require.NoError(t, manager.Close())

	reopened, err := Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, reopened.Close()) })
	got, err := Get[string](context.Background(), reopened, "token")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)

	_, err = Open(Config{Namespace: "badkey", Backend: BackendEncrypted, Dir: dir,
		EncryptionKey: []byte("short")})
	assert.Error(t, err, "an invalid key size is rejected at open")
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	manager, err := Open(Config{Namespace: "test"})
	require.NoError(t, err)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
}
