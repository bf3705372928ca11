package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryBackend is a thread-safe, map-backed Backend with no persistence
// across the process lifetime. It is intended for dependency injection in
// tests and for ephemeral processes that should not touch disk, and it
// honors the same atomicity and enumeration semantics as the durable
// backends so tests against it are valid proxies for production behavior.
type InMemoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string]*Record
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		data: make(map[string]map[string]*Record),
	}
}

// Get retrieves a copy of the record stored for a key.
func (b *InMemoryBackend) Get(_ context.Context, source, key string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	record, ok := b.data[source][key]
	if !ok {
		return nil, ErrAbsent
	}
	return record.Clone(), nil
}

// Put stores a copy of the record. Storing copies keeps callers from
// mutating a record observed by a concurrent reader.
func (b *InMemoryBackend) Put(_ context.Context, source, key string, record *Record) error {
	if record == nil {
		return &StorageFault{Source: source, Key: key, Err: errNilRecord}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	records, ok := b.data[source]
	if !ok {
		records = make(map[string]*Record)
		b.data[source] = records
	}
	records[key] = record.Clone()
	return nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (b *InMemoryBackend) Delete(_ context.Context, source, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data[source], key)
	return nil
}

// ListKeys enumerates the keys stored for a source, sorted for determinism.
func (b *InMemoryBackend) ListKeys(_ context.Context, source, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	for key := range b.data[source] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the in-memory backend.
func (b *InMemoryBackend) Close() error {
	return nil
}
