package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackendConfig holds configuration for the Firestore-backed store.
type FirestoreBackendConfig struct {
	// CollectionPath is the top-level collection records live under.
	// Defaults to "vulncache".
	CollectionPath string
}

// FirestoreBackend is a Backend backed by Firestore, suitable for low-volume
// deployments that want durable shared storage without running Redis. Each
// source is a document with a "records" subcollection, one document per key.
// Firestore document writes are atomic, which satisfies the per-key
// atomicity contract directly.
type FirestoreBackend struct {
	client         *firestore.Client
	collectionPath string
	logger         zerolog.Logger
}

// NewFirestoreBackend creates a backend over an injected Firestore client.
// The client's lifecycle is managed by the caller.
func NewFirestoreBackend(cfg *FirestoreBackendConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	collectionPath := "vulncache"
	if cfg != nil && cfg.CollectionPath != "" {
		collectionPath = cfg.CollectionPath
	}

	logger.Info().Str("collection", collectionPath).Msg("FirestoreBackend initialized.")

	return &FirestoreBackend{
		client:         client,
		collectionPath: collectionPath,
		logger:         logger.With().Str("component", "FirestoreBackend").Logger(),
	}, nil
}

// records returns the subcollection holding one source's records.
func (b *FirestoreBackend) records(source string) *firestore.CollectionRef {
	return b.client.Collection(b.collectionPath).Doc(EncodeKey(source)).Collection("records")
}

// Get retrieves the record stored for a key.
func (b *FirestoreBackend) Get(ctx context.Context, source, key string) (*Record, error) {
	docSnap, err := b.records(source).Doc(EncodeKey(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrAbsent
		}
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to get record from Firestore.")
		return nil, &StorageFault{Source: source, Key: key, Err: err}
	}

	var record Record
	if err := docSnap.DataTo(&record); err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to map Firestore document data.")
		return nil, &StorageFault{Source: source, Key: key, Err: fmt.Errorf("decode record: %w", err)}
	}
	return &record, nil
}

// Put replaces the record for a key with a single document write.
func (b *FirestoreBackend) Put(ctx context.Context, source, key string, record *Record) error {
	if record == nil {
		return &StorageFault{Source: source, Key: key, Err: errNilRecord}
	}
	if _, err := b.records(source).Doc(EncodeKey(key)).Set(ctx, record); err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to write record to Firestore.")
		return &StorageFault{Source: source, Key: key, Err: err}
	}
	b.logger.Debug().Str("key", key).Msg("Record written to Firestore.")
	return nil
}

// Delete removes the record for a key. Firestore deletes of missing
// documents succeed, which matches the no-op contract.
func (b *FirestoreBackend) Delete(ctx context.Context, source, key string) error {
	if _, err := b.records(source).Doc(EncodeKey(key)).Delete(ctx); err != nil {
		return &StorageFault{Source: source, Key: key, Err: err}
	}
	return nil
}

// ListKeys enumerates the keys stored for a source, sorted for determinism.
func (b *FirestoreBackend) ListKeys(ctx context.Context, source, prefix string) ([]string, error) {
	iter := b.records(source).Documents(ctx)
	defer iter.Stop()

	var keys []string
	for {
		docSnap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, &StorageFault{Source: source, Err: err}
		}
		key, err := DecodeKey(docSnap.Ref.ID)
		if err != nil {
			b.logger.Debug().Str("doc_id", docSnap.Ref.ID).Msg("Skipping foreign document in records collection.")
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (b *FirestoreBackend) Close() error {
	return nil
}
