// The disk backend stores one namespace as a directory holding a single append-only record log.
// Writes append and fsync before acknowledging; a delete appends a tombstone instead of rewriting
// history. On open, the log is replayed in order with later records superseding earlier ones,
// which rebuilds an in-memory index of key -> payload location. Payload bytes stay on disk and are
// read lazily, so the index stays small even when payloads are large.
//
// A namespace may be opened for writing by at most one store at a time; an exclusive lock file in
// the namespace directory enforces that across processes.

package blobstore

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/nobletooth/fig/pkg/clock"
)

var diskSyncWrites = flag.Bool("disk_sync_writes", true,
	"Fsync the append log after every write before acknowledging it. Disabling trades durability for throughput.")

const (
	logFileName     = "blob.log"
	lockFileName    = "namespace.lock"
	compactFileName = "blob.log.compacting"
)

// diskIndexEntry locates a live record's payload inside the log and carries its metadata, so reads
// only touch the disk for the payload bytes themselves.
type diskIndexEntry struct {
	typeTag       string
	createdAt     int64 // UTC nanoseconds; 0 means unset.
	expiresAt     int64 // UTC nanoseconds; 0 means never.
	payloadOffset int64
	payloadLen    int64
}

// DiskStore is the append-log-on-disk backend for one namespace directory.
type DiskStore struct { // Implements Store.
	mux      sync.RWMutex // Reads share the lock; writes and compaction are exclusive.
	dir      string
	clk      clock.Clock
	file     *os.File
	size     int64 // Current end offset of the log; appends go here.
	index    map[string]diskIndexEntry
	lockPath string
	closed   bool
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore opens (or creates) the namespace directory at `dir`, takes its exclusive lock, and
// replays the record log. The clock is used to judge expiry during compaction.
func NewDiskStore(dir string, clk clock.Clock) (*DiskStore, error) {
	if clk == nil {
		clk = clock.System{}
	}

	// Make sure the namespace directory exists.
	if dirInfo, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create namespace directory %s: %w", dir, err)
			}
		} else {
			return nil, fmt.Errorf("failed to stat namespace directory %s: %w", dir, err)
		}
	} else if !dirInfo.IsDir() {
		return nil, fmt.Errorf("namespace path %s is not a directory", dir)
	}

	// Take the exclusive namespace lock. Two stores concurrently writing one log would interleave
	// records and corrupt it.
	lockPath := filepath.Join(dir, lockFileName)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("namespace %s is already open for writing", dir)
		}
		return nil, fmt.Errorf("failed to create namespace lock %s: %w", lockPath, err)
	}
	_, _ = fmt.Fprintf(lockFile, "%d\n", os.Getpid())
	_ = lockFile.Close()

	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("failed to open record log in %s: %w", dir, err)
	}

	store := &DiskStore{dir: dir, clk: clk, file: file, index: make(map[string]diskIndexEntry), lockPath: lockPath}
	if err := store.replay(); err != nil {
		_ = file.Close()
		_ = os.Remove(lockPath)
		return nil, err
	}

	// Release the lock and file descriptor when the store is garbage collected.
	runtime.SetFinalizer(store, func(store *DiskStore) { _ = store.Close() })
	return store, nil
}

// replay scans the log from the beginning, rebuilding the index. Later records for a key supersede
// earlier ones; a tombstone removes the key. A torn or corrupted tail (from a crash mid-append) is
// truncated away so the log ends on a complete record again.
func (d *DiskStore) replay() error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek record log: %w", ErrStorage, err)
	}

	reader := newRecordReader(d.file)
	offset := int64(0)
	for {
		rec, size, err := reader.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errBadChecksum) {
			slog.Warn("Record log has a torn tail, truncating.", "dir", d.dir, "offset", offset, "error", err)
			if err := d.file.Truncate(offset); err != nil {
				return fmt.Errorf("%w: failed to truncate torn record log: %w", ErrStorage, err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%w: failed to replay record log: %w", ErrStorage, err)
		}

		if rec.tombstone {
			delete(d.index, rec.entry.Key)
		} else {
			d.index[rec.entry.Key] = diskIndexEntry{
				typeTag:       rec.entry.TypeTag,
				createdAt:     timestampOf(rec.entry.CreatedAt),
				expiresAt:     timestampOf(rec.entry.ExpiresAt),
				payloadOffset: offset + 4 + int64(len(rec.entry.Key)) + 4 + int64(len(rec.entry.TypeTag)) + 4,
				payloadLen:    int64(len(rec.entry.Payload)),
			}
		}
		offset += size
	}
	d.size = offset

	slog.Info("Replayed record log.", "dir", d.dir, "bytes", d.size, "liveKeys", len(d.index))
	return nil
}

func (d *DiskStore) Get(key string) (Entry, error) {
	d.mux.RLock()
	defer d.mux.RUnlock()

	if d.closed {
		return Entry{}, fmt.Errorf("%w: store is closed", ErrStorage)
	}
	idx, exists := d.index[key]
	if !exists {
		return Entry{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	payload := make([]byte, idx.payloadLen)
	if _, err := d.file.ReadAt(payload, idx.payloadOffset); err != nil {
		return Entry{}, fmt.Errorf("%w: failed to read payload of %q: %w", ErrStorage, key, err)
	}

	return Entry{
		Key:       key,
		TypeTag:   idx.typeTag,
		Payload:   payload,
		CreatedAt: timeOf(idx.createdAt),
		ExpiresAt: timeOf(idx.expiresAt),
	}, nil
}

// appendRecord writes the record at the current end of the log and makes it durable. The index is
// untouched; callers update it after the append succeeded. NOTE: Caller should acquire lock.
func (d *DiskStore) appendRecord(rec record) ( /*payloadOffset*/ int64, error) {
	buf := rec.encode()
	if _, err := d.file.WriteAt(buf, d.size); err != nil {
		// Drop any partially written bytes so the log still ends on a complete record.
		_ = d.file.Truncate(d.size)
		return 0, fmt.Errorf("%w: failed to append record for %q: %w", ErrStorage, rec.entry.Key, err)
	}
	if *diskSyncWrites {
		if err := d.file.Sync(); err != nil {
			_ = d.file.Truncate(d.size)
			return 0, fmt.Errorf("%w: failed to sync record log: %w", ErrStorage, err)
		}
	}
	payloadOffset := d.size + 4 + int64(len(rec.entry.Key)) + 4 + int64(len(rec.entry.TypeTag)) + 4
	d.size += int64(len(buf))
	return payloadOffset, nil
}

func (d *DiskStore) Put(entry Entry) error {
	if entry.Key == "" {
		return errors.New("expected a non-empty key")
	}

	d.mux.Lock()
	defer d.mux.Unlock()

	if d.closed {
		return fmt.Errorf("%w: store is closed", ErrStorage)
	}
	payloadOffset, err := d.appendRecord(record{entry: entry})
	if err != nil {
		return err
	}
	d.index[entry.Key] = diskIndexEntry{
		typeTag:       entry.TypeTag,
		createdAt:     timestampOf(entry.CreatedAt),
		expiresAt:     timestampOf(entry.ExpiresAt),
		payloadOffset: payloadOffset,
		payloadLen:    int64(len(entry.Payload)),
	}
	return nil
}

func (d *DiskStore) Delete(key string) error {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.closed {
		return fmt.Errorf("%w: store is closed", ErrStorage)
	}
	if _, exists := d.index[key]; !exists {
		return nil // Deleting an absent key is not an error, and needs no tombstone either.
	}
	if _, err := d.appendRecord(record{entry: Entry{Key: key, CreatedAt: d.clk.Now()}, tombstone: true}); err != nil {
		return err
	}
	delete(d.index, key)
	return nil
}

func (d *DiskStore) Keys(prefix string) ([]string, error) {
	d.mux.RLock()
	defer d.mux.RUnlock()

	if d.closed {
		return nil, fmt.Errorf("%w: store is closed", ErrStorage)
	}
	keys := make([]string, 0, len(d.index))
	for key := range d.index {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *DiskStore) Flush() error {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.closed {
		return fmt.Errorf("%w: store is closed", ErrStorage)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("%w: failed to flush record log: %w", ErrStorage, err)
	}
	return nil
}

// Close drains pending writes and releases the log file and the namespace lock. The lock is
// released even when the final sync fails; the error is still reported.
func (d *DiskStore) Close() error {
	if d == nil {
		return nil
	}

	d.mux.Lock()
	defer d.mux.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	syncErr := d.file.Sync()
	closeErr := d.file.Close()
	lockErr := os.Remove(d.lockPath)
	if err := errors.Join(syncErr, closeErr, lockErr); err != nil {
		return fmt.Errorf("%w: failed to close disk store: %w", ErrStorage, err)
	}
	return nil
}

// Compact rewrites the log retaining only the latest non-expired, non-tombstoned record per key,
// reclaiming the space held by superseded history. The new log is written beside the old one and
// swapped in atomically with a rename.
func (d *DiskStore) Compact() error {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.closed {
		return fmt.Errorf("%w: store is closed", ErrStorage)
	}

	compactPath := filepath.Join(d.dir, compactFileName)
	compacted, err := os.OpenFile(compactPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: failed to create compaction log: %w", ErrStorage, err)
	}
	cleanup := func(err error) error {
		_ = compacted.Close()
		_ = os.Remove(compactPath)
		return err
	}

	// Live, still-visible entries survive; expired ones are dropped alongside superseded history.
	now := d.clk.Now().UTC().UnixNano()
	keys := make([]string, 0, len(d.index))
	for key := range d.index {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	newIndex := make(map[string]diskIndexEntry, len(keys))
	offset := int64(0)
	for _, key := range keys {
		idx := d.index[key]
		if idx.expiresAt != 0 && idx.expiresAt <= now {
			continue
		}
		payload := make([]byte, idx.payloadLen)
		if _, err := d.file.ReadAt(payload, idx.payloadOffset); err != nil {
			return cleanup(fmt.Errorf("%w: failed to read payload of %q during compaction: %w", ErrStorage, key, err))
		}
		rec := record{entry: Entry{
			Key:       key,
			TypeTag:   idx.typeTag,
			Payload:   payload,
			CreatedAt: timeOf(idx.createdAt),
			ExpiresAt: timeOf(idx.expiresAt),
		}}
		buf := rec.encode()
		if _, err := compacted.Write(buf); err != nil {
			return cleanup(fmt.Errorf("%w: failed to write compacted record for %q: %w", ErrStorage, key, err))
		}
		newIndex[key] = diskIndexEntry{
			typeTag:       idx.typeTag,
			createdAt:     idx.createdAt,
			expiresAt:     idx.expiresAt,
			payloadOffset: offset + 4 + int64(len(key)) + 4 + int64(len(idx.typeTag)) + 4,
			payloadLen:    idx.payloadLen,
		}
		offset += int64(len(buf))
	}

	if err := compacted.Sync(); err != nil {
		return cleanup(fmt.Errorf("%w: failed to sync compaction log: %w", ErrStorage, err))
	}
	if err := compacted.Close(); err != nil {
		return cleanup(fmt.Errorf("%w: failed to close compaction log: %w", ErrStorage, err))
	}

	logPath := filepath.Join(d.dir, logFileName)
	if err := os.Rename(compactPath, logPath); err != nil {
		_ = os.Remove(compactPath)
		return fmt.Errorf("%w: failed to swap compacted log in: %w", ErrStorage, err)
	}
	_ = d.file.Close() // The old handle points at the superseded log.
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: failed to reopen compacted log: %w", ErrStorage, err)
	}

	slog.Info("Compacted record log.", "dir", d.dir, "bytesBefore", d.size, "bytesAfter", offset,
		"liveKeys", len(newIndex))
	d.file = file
	d.size = offset
	d.index = newIndex
	return nil
}
