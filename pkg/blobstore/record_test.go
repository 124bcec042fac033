package blobstore

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_EncodeDecode(t *testing.T) {
	createdAt := time.Unix(0, 1_700_000_000_000_000_000).UTC()
	for _, testCase := range []struct {
		name string
		rec  record
	}{
		{
			name: "plain entry",
			rec: record{entry: Entry{
				Key: "user:1", TypeTag: "main.user", Payload: []byte("payload"), CreatedAt: createdAt,
			}},
		},
		{
			name: "expirable entry",
			rec: record{entry: Entry{
				Key: "weather", TypeTag: "main.report", Payload: []byte{0x01, 0x02},
				CreatedAt: createdAt, ExpiresAt: createdAt.Add(time.Minute),
			}},
		},
		{
			name: "tombstone",
			rec:  record{entry: Entry{Key: "user:1", CreatedAt: createdAt}, tombstone: true},
		},
		{
			name: "empty payload",
			rec:  record{entry: Entry{Key: "k", TypeTag: "string", Payload: []byte{}, CreatedAt: createdAt}},
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			buf := testCase.rec.encode()
			reader := newRecordReader(bytes.NewReader(buf))
			got, size, err := reader.next()
			require.NoError(t, err)
			assert.Equal(t, int64(len(buf)), size)
			assert.Equal(t, testCase.rec.entry.Key, got.entry.Key)
			assert.Equal(t, testCase.rec.entry.TypeTag, got.entry.TypeTag)
			assert.Equal(t, testCase.rec.tombstone, got.tombstone)
			assert.True(t, testCase.rec.entry.CreatedAt.Equal(got.entry.CreatedAt))
			assert.True(t, testCase.rec.entry.ExpiresAt.Equal(got.entry.ExpiresAt))
			if len(testCase.rec.entry.Payload) > 0 {
				assert.Equal(t, testCase.rec.entry.Payload, got.entry.Payload)
			} else {
				assert.Empty(t, got.entry.Payload)
			}

			// The log ends cleanly right after the record.
			_, _, err = reader.next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestRecordReader_TornTail(t *testing.T) {
	full := record{entry: Entry{Key: "a", TypeTag: "string", Payload: []byte("v")}}.encode()
	torn := record{entry: Entry{Key: "b", TypeTag: "string", Payload: []byte("w")}}.encode()

	log := append(append([]byte{}, full...), torn[:len(torn)-5]...)
	reader := newRecordReader(bytes.NewReader(log))

	rec, _, err := reader.next()
	require.NoError(t, err)
	assert.Equal(t, "a", rec.entry.Key)

	_, _, err = reader.next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRecordReader_CorruptedRecord(t *testing.T) {
	buf := record{entry: Entry{Key: "a", TypeTag: "string", Payload: []byte("value")}}.encode()
	buf[len(buf)-26] ^= 0xFF // Flip a payload byte without touching the stored checksum.

	reader := newRecordReader(bytes.NewReader(buf))
	_, _, err := reader.next()
	assert.ErrorIs(t, err, errBadChecksum)
}
