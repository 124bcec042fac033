// The in-memory backend distributes keys across shards so concurrent readers and writers of
// different keys don't contend on a single lock. Each shard has its own mutex; a goroutine only
// locks the shard its key hashes to.

package blobstore

import (
	"flag"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/fig/pkg/utils"
)

var memoryShardCount = flag.Int("memory_shard_count", 16,
	"Number of shards the in-memory backend distributes keys across.")

// memoryShard holds one slice of the keyspace behind its own lock.
type memoryShard struct {
	mux     sync.RWMutex
	entries map[string]Entry
}

// MemoryStore is the process-lifetime backend. Contents are lost when the process exits.
type MemoryStore struct { // Implements Store.
	shards []*memoryShard
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore is the constructor for MemoryStore. The shard count is taken from the
// --memory_shard_count flag.
func NewMemoryStore() *MemoryStore {
	shardCount := *memoryShardCount
	if shardCount <= 0 {
		utils.RaiseInvariant("memstore", "non_positive_shard_count",
			"Invalid shard count has been given to the memory store.", "shardCount", shardCount)
		shardCount = 1
	}
	store := &MemoryStore{shards: make([]*memoryShard, shardCount)}
	for i := range shardCount {
		store.shards[i] = &memoryShard{entries: make(map[string]Entry)}
	}
	return store
}

// getShard maps the key to its shard by hashing it and taking the hash modulo the shard count.
func (m *MemoryStore) getShard(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *MemoryStore) Get(key string) (Entry, error) {
	shard := m.getShard(key)
	shard.mux.RLock()
	defer shard.mux.RUnlock()

	entry, exists := shard.entries[key]
	if !exists {
		return Entry{}, ErrKeyNotFound
	}
	return entry, nil
}

func (m *MemoryStore) Put(entry Entry) error {
	shard := m.getShard(entry.Key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	shard.entries[entry.Key] = entry
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	shard := m.getShard(key)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	delete(shard.entries, key)
	return nil
}

// Keys aggregates a snapshot of keys from all shards. Keys are unique across shards, so a plain
// collect-and-sort yields a deterministic scan order.
func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	keys := make([]string, 0)
	for _, shard := range m.shards {
		shard.mux.RLock()
		for key := range shard.entries {
			if prefix == "" || strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		shard.mux.RUnlock()
	}
	sort.Strings(keys)
	return keys, nil
}

// Flush is a no-op: memory writes are visible the moment Put returns.
func (m *MemoryStore) Flush() error { return nil }

// Close drops all entries so a dangling reference can't resurrect them.
func (m *MemoryStore) Close() error {
	for _, shard := range m.shards {
		shard.mux.Lock()
		shard.entries = make(map[string]Entry)
		shard.mux.Unlock()
	}
	return nil
}
