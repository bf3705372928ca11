package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FileBackendConfig holds configuration for the on-disk backend.
type FileBackendConfig struct {
	// RootDir is the directory all cached records live under, one
	// subdirectory per source.
	RootDir string
}

// FileBackend is a durable Backend mapping each (source, key) to one JSON
// file under a per-source directory. Writes go to a temporary file that is
// atomically renamed into place, so a crash mid-write leaves either the old
// record or the new one, never a truncated file. Writers to the same key are
// serialized by a per-key lock scoped to the process; writers to different
// keys proceed independently.
type FileBackend struct {
	rootDir string
	logger  zerolog.Logger

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// NewFileBackend creates the root directory if needed and returns a backend
// rooted there.
func NewFileBackend(cfg *FileBackendConfig, logger zerolog.Logger) (*FileBackend, error) {
	if cfg == nil || cfg.RootDir == "" {
		return nil, fmt.Errorf("a root directory must be configured")
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", cfg.RootDir, err)
	}

	return &FileBackend{
		rootDir:  cfg.RootDir,
		logger:   logger.With().Str("component", "FileBackend").Logger(),
		keyLocks: make(map[string]*sync.Mutex),
	}, nil
}

// recordPath returns the file holding a key's record. Source and key are
// escape-encoded, so arbitrary key strings cannot collide or traverse out
// of the root.
func (b *FileBackend) recordPath(source, key string) string {
	return filepath.Join(b.rootDir, EncodeKey(source), EncodeKey(key)+".json")
}

// keyLock returns the mutex serializing writers of one (source, key).
func (b *FileBackend) keyLock(source, key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	lockName := source + "\x00" + key
	lock, ok := b.keyLocks[lockName]
	if !ok {
		lock = &sync.Mutex{}
		b.keyLocks[lockName] = lock
	}
	return lock
}

// Get reads the record for a key. A missing file is a normal miss; a file
// that exists but cannot be read or decoded is a StorageFault.
func (b *FileBackend) Get(_ context.Context, source, key string) (*Record, error) {
	path := b.recordPath(source, key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrAbsent
	}
	if err != nil {
		b.logger.Error().Err(err).Str("path", path).Msg("Failed to read cached record.")
		return nil, &StorageFault{Source: source, Key: key, Err: err}
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		b.logger.Error().Err(err).Str("path", path).Msg("Cached record is corrupt.")
		return nil, &StorageFault{Source: source, Key: key, Err: fmt.Errorf("decode record: %w", err)}
	}
	return &record, nil
}

// Put atomically replaces the record for a key using a write-to-temporary
// then rename sequence in the record's own directory.
func (b *FileBackend) Put(_ context.Context, source, key string, record *Record) error {
	if record == nil {
		return &StorageFault{Source: source, Key: key, Err: errNilRecord}
	}

	lock := b.keyLock(source, key)
	lock.Lock()
	defer lock.Unlock()

	path := b.recordPath(source, key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("create source dir: %w", err)}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("encode record: %w", err)}
	}

	// The temp file must live in the same directory as the target so the
	// rename is atomic on every sane filesystem.
	tmp, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("rename into place: %w", err)}
	}

	b.logger.Debug().Str("path", path).Msg("Record written.")
	return nil
}

// Delete removes the record for a key. Deleting an absent key is a no-op.
func (b *FileBackend) Delete(_ context.Context, source, key string) error {
	lock := b.keyLock(source, key)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(b.recordPath(source, key))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return &StorageFault{Source: source, Key: key, Err: err}
}

// ListKeys enumerates the keys stored for a source, sorted for determinism.
// Files that do not look like records are skipped rather than failing the
// whole enumeration.
func (b *FileBackend) ListKeys(_ context.Context, source, prefix string) ([]string, error) {
	sourceDir := filepath.Join(b.rootDir, EncodeKey(source))
	entries, err := os.ReadDir(sourceDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageFault{Source: source, Err: err}
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := DecodeKey(strings.TrimSuffix(name, ".json"))
		if err != nil {
			b.logger.Debug().Str("file", name).Msg("Skipping foreign file in cache dir.")
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op; the backend holds no open handles between calls.
func (b *FileBackend) Close() error {
	return nil
}
