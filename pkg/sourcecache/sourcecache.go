// Package sourcecache implements the get-or-fetch policy engine for one
// threat-intelligence source: answer "give me the value for this key" while
// minimizing remote calls and tolerating remote failures. Storage is
// injected through the cache.Backend contract, and the remote side through
// a fetch.Func, so the same policy runs against disk, Redis, Firestore or
// an in-memory fake.
package sourcecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/233Official/go-vulncache/pkg/cache"
	"github.com/233Official/go-vulncache/pkg/fetch"
)

// Status classifies how a resolved payload relates to the remote source.
type Status int

const (
	// StatusFresh means the payload is within its TTL.
	StatusFresh Status = iota
	// StatusStaleFallback means the refresh failed and a previously cached
	// payload is being served instead.
	StatusStaleFallback
	// StatusNotFound means the remote source authoritatively reported the
	// key does not exist.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStaleFallback:
		return "stale_fallback"
	case StatusNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is a successful resolution. A StatusNotFound result carries no
// payload; it is an answer, not a failure.
type Result struct {
	Payload   []byte
	Status    Status
	FetchedAt time.Time
	// FetchErr describes the refresh failure behind a stale-fallback
	// result, as a warning the caller may surface.
	FetchErr string
}

// UnavailableError reports that a key could not be resolved at all: the
// fetch failed, retries are exhausted, and no previously cached payload was
// available to fall back on. Nothing is persisted for it; the next resolve
// starts over.
type UnavailableError struct {
	Source string
	Key    string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s/%s unavailable: %v", e.Source, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err is, or wraps, an UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// Config holds the per-source policy settings.
type Config struct {
	// Source names the data source this cache fronts, e.g. "cve".
	Source string
	// TTL is the age beyond which a cached payload is considered stale and
	// a refresh is attempted. Required.
	TTL time.Duration
	// NegativeTTL bounds how long an authoritative not-found answer is
	// served without re-querying. Defaults to TTL/4, with a one minute
	// floor.
	NegativeTTL time.Duration
	// DisableStaleFallback turns off serving a previous payload when a
	// refresh fails. The default keeps the fallback: stale security data
	// beats no data.
	DisableStaleFallback bool
	// MaxRetries is the number of fetch attempts per resolve. Defaults to 3.
	MaxRetries int
	// BackoffBase and BackoffCap bound the exponential delay between
	// retries. Default 200ms and 5s.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// FetchTimeout bounds each individual fetch attempt. Defaults to 30s.
	FetchTimeout time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// SourceCache applies the freshness, retry and fallback policy for a single
// source over an injected Backend and fetch function.
type SourceCache struct {
	cfg     Config
	backend cache.Backend
	fetch   fetch.Func
	logger  zerolog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// New validates the configuration, applies defaults, and returns a ready
// SourceCache.
func New(cfg Config, backend cache.Backend, fetchFn fetch.Func, logger zerolog.Logger) (*SourceCache, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("a source name must be configured")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be greater than 0")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if fetchFn == nil {
		return nil, fmt.Errorf("fetch function cannot be nil")
	}

	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = cfg.TTL / 4
		if cfg.NegativeTTL < time.Minute {
			cfg.NegativeTTL = time.Minute
		}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &SourceCache{
		cfg:     cfg,
		backend: backend,
		fetch:   fetchFn,
		logger:  logger.With().Str("component", "SourceCache").Str("source", cfg.Source).Logger(),
		now:     now,
	}, nil
}

// Source returns the name of the data source this cache fronts.
func (s *SourceCache) Source() string {
	return s.cfg.Source
}

// Resolve returns the value for a key, fetching from the remote source only
// when no sufficiently fresh record is cached.
func (s *SourceCache) Resolve(ctx context.Context, key string) (Result, error) {
	return s.resolve(ctx, key, false)
}

// Refresh bypasses the freshness check and always attempts a fetch. The
// stale-fallback and negative-caching rules still apply to the outcome.
func (s *SourceCache) Refresh(ctx context.Context, key string) (Result, error) {
	return s.resolve(ctx, key, true)
}

// Invalidate evicts the record for a key. Invalidation is the only way a
// record is removed; expiry never deletes, because a stale record remains
// valuable as a fallback.
func (s *SourceCache) Invalidate(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, s.cfg.Source, key)
}

// Keys enumerates the keys currently cached for this source, for bulk
// operations such as warm-up sweeps.
func (s *SourceCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.ListKeys(ctx, s.cfg.Source, prefix)
}

func (s *SourceCache) resolve(ctx context.Context, key string, force bool) (Result, error) {
	prior, err := s.backend.Get(ctx, s.cfg.Source, key)
	if err != nil && !errors.Is(err, cache.ErrAbsent) {
		// Storage faults are surfaced with their classification intact,
		// never treated as a miss.
		return Result{}, err
	}

	if prior != nil && !force {
		now := s.now()
		if prior.NotFound && prior.Age(now) <= s.cfg.NegativeTTL {
			s.logger.Debug().Str("key", key).Msg("Negative cache hit.")
			return Result{Status: StatusNotFound, FetchedAt: prior.FetchedAt}, nil
		}
		if prior.HasPayload() && prior.Age(now) <= s.cfg.TTL {
			s.logger.Debug().Str("key", key).Msg("Cache hit.")
			return Result{Payload: prior.Payload, Status: StatusFresh, FetchedAt: prior.FetchedAt}, nil
		}
	}

	// Concurrent resolves of the same stale key collapse to one fetch; the
	// joiners share the winner's result.
	value, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.refresh(ctx, key, prior)
	})
	if err != nil {
		return Result{}, err
	}
	return value.(Result), nil
}

// refresh runs the bounded retry loop for one key and persists the outcome.
// prior is the existing record, if any; it is only consulted for the stale
// fallback after the fetch has definitively failed.
func (s *SourceCache) refresh(ctx context.Context, key string, prior *cache.Record) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.backoffDelay(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		payload, err := s.doFetch(ctx, key)
		if err == nil {
			return s.storeFresh(ctx, key, payload)
		}

		if fetch.IsNotFound(err) {
			// Authoritative: the key does not exist upstream. Replaces any
			// prior payload with a negative record.
			return s.storeNotFound(ctx, key, err)
		}

		lastErr = err
		if fetch.ClassOf(err) == fetch.ClassPermanent {
			s.logger.Warn().Err(err).Str("key", key).Msg("Permanent fetch failure, not retrying.")
			break
		}
		s.logger.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("Fetch attempt failed.")
	}

	if prior != nil && prior.HasPayload() && !s.cfg.DisableStaleFallback {
		flagged := prior.Clone()
		flagged.FetchError = lastErr.Error()
		if err := s.backend.Put(ctx, s.cfg.Source, key, flagged); err != nil {
			return Result{}, err
		}
		s.logger.Warn().Err(lastErr).Str("key", key).Msg("Refresh failed, serving stale payload.")
		return Result{
			Payload:   flagged.Payload,
			Status:    StatusStaleFallback,
			FetchedAt: flagged.FetchedAt,
			FetchErr:  flagged.FetchError,
		}, nil
	}

	return Result{}, &UnavailableError{Source: s.cfg.Source, Key: key, Err: lastErr}
}

func (s *SourceCache) storeFresh(ctx context.Context, key string, payload []byte) (Result, error) {
	now := s.now()
	record := &cache.Record{
		Source:    s.cfg.Source,
		Key:       key,
		Payload:   payload,
		FetchedAt: now,
	}
	if err := s.backend.Put(ctx, s.cfg.Source, key, record); err != nil {
		return Result{}, err
	}
	s.logger.Debug().Str("key", key).Msg("Fetched and cached fresh payload.")
	return Result{Payload: payload, Status: StatusFresh, FetchedAt: now}, nil
}

func (s *SourceCache) storeNotFound(ctx context.Context, key string, cause error) (Result, error) {
	now := s.now()
	record := &cache.Record{
		Source:     s.cfg.Source,
		Key:        key,
		FetchedAt:  now,
		NotFound:   true,
		FetchError: cause.Error(),
	}
	if err := s.backend.Put(ctx, s.cfg.Source, key, record); err != nil {
		return Result{}, err
	}
	s.logger.Debug().Str("key", key).Msg("Cached authoritative not-found answer.")
	return Result{Status: StatusNotFound, FetchedAt: now}, nil
}

// doFetch runs one fetch attempt under the per-attempt deadline.
func (s *SourceCache) doFetch(ctx context.Context, key string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	return s.fetch(attemptCtx, key)
}

// backoffDelay returns the exponential delay preceding retry n (1-based),
// bounded by BackoffCap.
func (s *SourceCache) backoffDelay(n int) time.Duration {
	delay := s.cfg.BackoffBase << (n - 1)
	if delay <= 0 || delay > s.cfg.BackoffCap {
		return s.cfg.BackoffCap
	}
	return delay
}

// sleep waits for the backoff delay, aborting early on cancellation. No
// shared lock is held here, so a backing-off key never blocks other work.
func (s *SourceCache) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
