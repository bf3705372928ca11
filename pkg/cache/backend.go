package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
)

// ErrAbsent reports that no record is stored for a key. Backends return it
// from Get so callers can tell a clean miss apart from a storage failure.
var ErrAbsent = errors.New("record not in cache")

var errNilRecord = errors.New("nil record")

// StorageFault reports corruption or an I/O failure in a backend. It is
// always distinct from ErrAbsent: treating a corrupt record as a miss would
// silently mask data loss, so backends surface the fault instead.
type StorageFault struct {
	Source string
	Key    string
	Err    error
}

func (f *StorageFault) Error() string {
	return fmt.Sprintf("storage fault for %s/%s: %v", f.Source, f.Key, f.Err)
}

func (f *StorageFault) Unwrap() error {
	return f.Err
}

// IsStorageFault reports whether err is, or wraps, a StorageFault.
func IsStorageFault(err error) bool {
	var fault *StorageFault
	return errors.As(err, &fault)
}

// Backend is the minimal persistence contract shared by every storage
// implementation. A Backend holds at most one Record per (source, key);
// writes are full replacements and must be atomic with respect to
// concurrent readers of the same key. Backends are safe for concurrent use.
type Backend interface {
	// Get retrieves the record stored for a key. An absent key returns
	// ErrAbsent; corruption or I/O failure returns a *StorageFault.
	Get(ctx context.Context, source, key string) (*Record, error)
	// Put atomically replaces the record stored for a key. A concurrent
	// reader observes either the previous record or the new one, never a
	// mix of the two.
	Put(ctx context.Context, source, key string, record *Record) error
	// Delete removes the record for a key. Deleting an absent key is a
	// no-op, not an error.
	Delete(ctx context.Context, source, key string) error
	// ListKeys enumerates the keys currently stored for a source,
	// optionally filtered to those starting with prefix. The result
	// reflects current state, not a snapshot.
	ListKeys(ctx context.Context, source, prefix string) ([]string, error)
	io.Closer
}

// EncodeKey returns the stable, collision-resistant encoding of a key used
// by every backend for file names, object names and document ids. The
// escaping is injective, so distinct keys never collide, and the result
// contains no path separators, so arbitrary keys cannot escape their
// source namespace.
func EncodeKey(key string) string {
	return url.PathEscape(key)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded string) (string, error) {
	key, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("decode cache key %q: %w", encoded, err)
	}
	return key, nil
}
