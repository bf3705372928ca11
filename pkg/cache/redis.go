package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBackendConfig holds the configuration for the Redis client.
type RedisBackendConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces this cache's keys inside the Redis keyspace.
	// Defaults to "vulncache".
	KeyPrefix string
}

// RedisBackend is a Backend backed by Redis, for deployments where several
// lookup processes share one cache. Records are stored as JSON values with
// no Redis expiry: staleness is a read-time policy decision and a stale
// record remains valuable as a fallback, so the store never ages data out
// on its own.
type RedisBackend struct {
	redisClient *redis.Client
	keyPrefix   string
	logger      zerolog.Logger
}

// NewRedisBackend creates and connects a new RedisBackend. It pings the
// Redis server to ensure connectivity before returning.
func NewRedisBackend(ctx context.Context, cfg *RedisBackendConfig, logger zerolog.Logger) (*RedisBackend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "vulncache"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisBackend{
		redisClient: rdb,
		keyPrefix:   keyPrefix,
		logger:      logger.With().Str("component", "RedisBackend").Logger(),
	}, nil
}

// redisKey builds the Redis key for one record. Source and key are
// escape-encoded so the ":" separators stay unambiguous.
func (b *RedisBackend) redisKey(source, key string) string {
	return b.keyPrefix + ":" + EncodeKey(source) + ":" + EncodeKey(key)
}

// Get retrieves the record stored for a key. A redis.Nil reply is a normal
// miss; any other error, including an undecodable value, is a StorageFault.
func (b *RedisBackend) Get(ctx context.Context, source, key string) (*Record, error) {
	data, err := b.redisClient.Get(ctx, b.redisKey(source, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAbsent
	}
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during get.")
		return nil, &StorageFault{Source: source, Key: key, Err: err}
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached record.")
		return nil, &StorageFault{Source: source, Key: key, Err: fmt.Errorf("decode record: %w", err)}
	}
	return &record, nil
}

// Put replaces the record for a key. Redis SET is atomic, so a concurrent
// reader sees either the old value or the new one.
func (b *RedisBackend) Put(ctx context.Context, source, key string, record *Record) error {
	if record == nil {
		return &StorageFault{Source: source, Key: key, Err: errNilRecord}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return &StorageFault{Source: source, Key: key, Err: fmt.Errorf("encode record: %w", err)}
	}

	if err := b.redisClient.Set(ctx, b.redisKey(source, key), data, 0).Err(); err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to set record in Redis.")
		return &StorageFault{Source: source, Key: key, Err: err}
	}
	b.logger.Debug().Str("key", key).Msg("Record written to Redis.")
	return nil
}

// Delete removes the record for a key. Deleting an absent key is a no-op.
func (b *RedisBackend) Delete(ctx context.Context, source, key string) error {
	if err := b.redisClient.Del(ctx, b.redisKey(source, key)).Err(); err != nil {
		return &StorageFault{Source: source, Key: key, Err: err}
	}
	return nil
}

// ListKeys enumerates the keys stored for a source via SCAN, so large
// keyspaces are walked incrementally rather than with a blocking KEYS call.
func (b *RedisBackend) ListKeys(ctx context.Context, source, prefix string) ([]string, error) {
	scanPrefix := b.keyPrefix + ":" + EncodeKey(source) + ":"
	iter := b.redisClient.Scan(ctx, 0, scanPrefix+"*", 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		key, err := DecodeKey(strings.TrimPrefix(iter.Val(), scanPrefix))
		if err != nil {
			b.logger.Debug().Str("redis_key", iter.Val()).Msg("Skipping foreign key in cache keyspace.")
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, &StorageFault{Source: source, Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the Redis client connection.
func (b *RedisBackend) Close() error {
	if b.redisClient != nil {
		b.logger.Info().Msg("Closing Redis client connection...")
		return b.redisClient.Close()
	}
	return nil
}
