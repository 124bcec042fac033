// Fig stores opaque serialized payloads next to an explicit per-entry type tag. The codec is a
// pure transform: encoding a value yields bytes, decoding those bytes with the original type
// reproduces an equal value. There is no implicit schema migration; callers are expected to cache
// simple, stable-shaped data rather than rely on the cache for versioning.

package codec

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
)

// ErrSchemaMismatch is returned when a payload cannot be interpreted as the requested type, either
// because the stored type tag differs or because the bytes don't decode into it.
var ErrSchemaMismatch = errors.New("payload does not match the requested type")

// TagOf derives the canonical type tag for a value. Pointers are unwrapped so *T and T share one
// tag; the stored payload is always the pointed-to value.
func TagOf(value any) string {
	t := reflect.TypeOf(value)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// TagFor derives the canonical type tag for the type parameter T. Like TagOf, pointer types are
// unwrapped so TagFor[*T]() and TagFor[T]() agree.
func TagFor[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}

// Encode serializes the given value into an opaque byte payload.
func Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, fmt.Errorf("failed to encode %s value: %w", TagOf(value), err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes `data` into `dst`, which must be a pointer to the type the payload was
// encoded from. Truncated or foreign-format bytes surface as ErrSchemaMismatch.
func Decode(data []byte, dst any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(dst); err != nil {
		return fmt.Errorf("%w: decoding as %s: %v", ErrSchemaMismatch, TagOf(dst), err)
	}
	return nil
}
