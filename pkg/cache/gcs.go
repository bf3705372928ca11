package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// GCSBackendConfig holds configuration for the Cloud Storage backed store.
type GCSBackendConfig struct {
	BucketName string
}

// GCSBackend is a Backend storing one JSON object per record in a Cloud
// Storage bucket, under a per-source prefix. Object creation in GCS only
// becomes visible when the writer is closed, so a failed or abandoned write
// never replaces the previous record and readers get the per-key atomicity
// the contract requires.
type GCSBackend struct {
	client *storage.Client
	bucket string
	logger zerolog.Logger
}

// NewGCSBackend creates a backend over an injected storage client. The
// client's lifecycle is managed by the caller.
func NewGCSBackend(cfg *GCSBackendConfig, client *storage.Client, logger zerolog.Logger) (*GCSBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client cannot be nil")
	}
	if cfg == nil || cfg.BucketName == "" {
		return nil, fmt.Errorf("a bucket name must be configured")
	}

	logger.Info().Str("bucket", cfg.BucketName).Msg("GCSBackend initialized.")

	return &GCSBackend{
		client: client,
		bucket: cfg.BucketName,
		logger: logger.With().Str("component", "GCSBackend").Logger(),
	}, nil
}

// objectName returns the bucket object holding a key's record.
func (b *GCSBackend) objectName(source, key string) string {
	return EncodeKey(source) + "/" + EncodeKey(key) + ".json"
}

// Get retrieves the record stored for a key.
func (b *GCSBackend) Get(ctx context.Context, source, key string) (*Record, error) {
	reader, err := b.client.Bucket(b.bucket).Object(b.objectName(source, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrAbsent
	}
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to open record object.")
		return nil, &StorageFault{Source: source, Key: key, Err: err}
	}
	defer func() {
		_ = reader.Close()
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &StorageFault{Source: source, Key: key, Err: fmt.Errorf("read record object: %w", err)}
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Record object is corrupt.")
		return nil, &StorageFault{Source: source, Key: key, Err: fmt.Errorf("decode record: %w", err)}
	}
	return &record, nil
}

// Put replaces the record for a key. Close is the commit point.
func (b *GCSBackend) Put(ctx context.Context, source, key string, record *Record) error {
	if record == nil {
		return &StorageFault{Source: source, Key: key, Err: errNilRecord}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("encode record: %w", err)}
	}

	writer := b.client.Bucket(b.bucket).Object(b.objectName(source, key)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("write record object: %w", err)}
	}
	if err := writer.Close(); err != nil {
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("commit record object: %w", err)}
	}
	b.logger.Debug().Str("key", key).Msg("Record written to GCS.")
	return nil
}

// Delete removes the record for a key. Deleting an absent key is a no-op.
func (b *GCSBackend) Delete(ctx context.Context, source, key string) error {
	err := b.client.Bucket(b.bucket).Object(b.objectName(source, key)).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return &StorageFault{Source: source, Key: key, Err: err}
}

// ListKeys enumerates the keys stored for a source using a prefix query.
func (b *GCSBackend) ListKeys(ctx context.Context, source, prefix string) ([]string, error) {
	objectPrefix := EncodeKey(source) + "/"
	iter := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: objectPrefix})

	var keys []string
	for {
		attrs, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, &StorageFault{Source: source, Err: err}
		}
		name := strings.TrimPrefix(attrs.Name, objectPrefix)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := DecodeKey(strings.TrimSuffix(name, ".json"))
		if err != nil {
			b.logger.Debug().Str("object", attrs.Name).Msg("Skipping foreign object under source prefix.")
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op as the storage client's lifecycle is managed externally.
func (b *GCSBackend) Close() error {
	return nil
}
