// The disk backend persists one record per write in an append-only log. A record is laid out as:
//
//	[keyLen u32][key][tagLen u32][tag][payloadLen u32][payload]
//	[createdAt i64][expiresAt i64][tombstone u8][checksum u64]
//
// Timestamps are UTC nanoseconds since the epoch; zero means "never" for expiresAt. A delete
// appends a tombstone record instead of rewriting history. The trailing checksum is the xxhash of
// every preceding byte of the record, letting replay detect torn or corrupted tails.

package blobstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

// maxFieldLen bounds key/tag/payload lengths read back from disk. Anything larger is treated as
// corruption rather than an allocation request.
const maxFieldLen = 1 << 30

var errBadChecksum = errors.New("record checksum mismatch")

// record is the unit the append log is made of: either a full entry or a tombstone for a key.
type record struct {
	entry     Entry
	tombstone bool
}

func timestampOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func timeOf(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// encode serializes the record into its on-disk form, checksum included.
func (r record) encode() []byte {
	key, tag, payload := []byte(r.entry.Key), []byte(r.entry.TypeTag), r.entry.Payload
	size := 4 + len(key) + 4 + len(tag) + 4 + len(payload) + 8 + 8 + 1 + 8
	buf := make([]byte, 0, size)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tag)))
	buf = append(buf, tag...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestampOf(r.entry.CreatedAt)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(timestampOf(r.entry.ExpiresAt)))
	if r.tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))

	return buf
}

// recordReader reads records sequentially while hashing the consumed bytes, so the trailing
// checksum can be verified without buffering whole records twice.
type recordReader struct {
	reader *bufio.Reader
	digest *xxhash.Digest
	read   int64 // Bytes consumed for the current record.
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{reader: bufio.NewReader(r), digest: xxhash.New()}
}

// fill reads exactly len(buf) bytes and feeds them to the running checksum.
func (rr *recordReader) fill(buf []byte) error {
	if _, err := io.ReadFull(rr.reader, buf); err != nil {
		return err
	}
	rr.read += int64(len(buf))
	_, _ = rr.digest.Write(buf) // The xxhash digest never fails to write.
	return nil
}

func (rr *recordReader) uint32Field() (uint32, error) {
	var buf [4]byte
	if err := rr.fill(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (rr *recordReader) int64Field() (int64, error) {
	var buf [8]byte
	if err := rr.fill(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func (rr *recordReader) bytesField() ([]byte, error) {
	length, err := rr.uint32Field()
	if err != nil {
		return nil, err
	}
	if length > maxFieldLen {
		return nil, fmt.Errorf("field length %d exceeds the %d limit", length, maxFieldLen)
	}
	buf := make([]byte, length)
	if err := rr.fill(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// next reads one record. It returns io.EOF at a clean end of log and io.ErrUnexpectedEOF when the
// log ends mid-record (a torn tail). The returned size is the record's full on-disk length.
func (rr *recordReader) next() (record, int64 /*size*/, error) {
	rr.digest.Reset()
	rr.read = 0

	key, err := rr.bytesField()
	if err != nil {
		if errors.Is(err, io.EOF) && rr.read == 0 {
			return record{}, 0, io.EOF // Clean end of the log.
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return record{}, 0, err
	}

	rec := record{entry: Entry{Key: string(key)}}
	readRest := func() error {
		tag, err := rr.bytesField()
		if err != nil {
			return err
		}
		rec.entry.TypeTag = string(tag)
		payload, err := rr.bytesField()
		if err != nil {
			return err
		}
		rec.entry.Payload = payload
		createdAt, err := rr.int64Field()
		if err != nil {
			return err
		}
		rec.entry.CreatedAt = timeOf(createdAt)
		expiresAt, err := rr.int64Field()
		if err != nil {
			return err
		}
		rec.entry.ExpiresAt = timeOf(expiresAt)
		var flag [1]byte
		if err := rr.fill(flag[:]); err != nil {
			return err
		}
		rec.tombstone = flag[0] != 0
		return nil
	}
	if err := readRest(); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return record{}, 0, err
	}

	// The checksum trails the hashed region, so grab the digest before reading it.
	wantSum := rr.digest.Sum64()
	var sumBuf [8]byte
	if _, err := io.ReadFull(rr.reader, sumBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return record{}, 0, err
	}
	rr.read += 8
	if gotSum := binary.BigEndian.Uint64(sumBuf[:]); gotSum != wantSum {
		return record{}, 0, fmt.Errorf("%w: key %q", errBadChecksum, rec.entry.Key)
	}

	return rec, rr.read, nil
}
