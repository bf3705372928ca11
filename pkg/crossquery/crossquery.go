// Package crossquery answers composite questions that correlate two source
// caches, e.g. "for this vulnerability identifier, does a proof-of-concept
// template exist in the template index". It owns no storage; it composes
// resolvers and reports a verdict that keeps "we could not tell" distinct
// from "no match".
package crossquery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/233Official/go-vulncache/pkg/sourcecache"
)

// Verdict is the answer to a cross-source correlation.
type Verdict int

const (
	// VerdictNoMatch means both lookups answered and no secondary entry
	// exists for the primary identifier.
	VerdictNoMatch Verdict = iota
	// VerdictMatch means at least one derived key was confirmed present in
	// the secondary source.
	VerdictMatch
	// VerdictIndeterminate means a lookup was unavailable, so no-match
	// could not be confirmed. Never coerced to NoMatch: callers must not
	// draw false negative conclusions from an outage.
	VerdictIndeterminate
)

func (v Verdict) String() string {
	switch v {
	case VerdictNoMatch:
		return "no_match"
	case VerdictMatch:
		return "match"
	case VerdictIndeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Resolver is the contract the query needs from each side of the
// correlation. *sourcecache.SourceCache satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, key string) (sourcecache.Result, error)
	Source() string
}

// DeriveFunc maps a primary payload to the keys to look up in the secondary
// source. It must be pure: deterministic and free of I/O. Returning no keys
// means the primary payload references nothing in the secondary source.
type DeriveFunc func(payload []byte) ([]string, error)

// Config holds configuration for a Query.
type Config struct {
	// MaxParallel caps concurrent secondary resolutions. Defaults to 4.
	MaxParallel int
}

// Report describes the outcome of one correlation.
type Report struct {
	Verdict Verdict
	// PrimaryStatus is how the primary identifier resolved.
	PrimaryStatus sourcecache.Status
	// Matched holds the derived keys confirmed present in the secondary
	// source, sorted.
	Matched []string
	// Unavailable holds the derived keys whose resolution failed, sorted.
	Unavailable []string
}

// Query correlates a primary source cache with a secondary one through a
// caller-supplied derivation function.
type Query struct {
	primary     Resolver
	secondary   Resolver
	derive      DeriveFunc
	maxParallel int
	logger      zerolog.Logger
}

// New creates a Query.
func New(cfg Config, primary, secondary Resolver, derive DeriveFunc, logger zerolog.Logger) (*Query, error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("primary and secondary resolvers cannot be nil")
	}
	if derive == nil {
		return nil, fmt.Errorf("derive function cannot be nil")
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}

	return &Query{
		primary:     primary,
		secondary:   secondary,
		derive:      derive,
		maxParallel: maxParallel,
		logger: logger.With().
			Str("component", "CrossQuery").
			Str("primary", primary.Source()).
			Str("secondary", secondary.Source()).
			Logger(),
	}, nil
}

// Correlate resolves the primary key, derives the secondary keys from its
// payload, and resolves each against the secondary source. Unavailable
// lookups yield an Indeterminate verdict rather than an error; storage
// faults and derivation failures are returned as errors.
func (q *Query) Correlate(ctx context.Context, key string) (Report, error) {
	primaryResult, err := q.primary.Resolve(ctx, key)
	if err != nil {
		if sourcecache.IsUnavailable(err) {
			q.logger.Warn().Err(err).Str("key", key).Msg("Primary lookup unavailable, verdict indeterminate.")
			return Report{Verdict: VerdictIndeterminate}, nil
		}
		return Report{}, err
	}
	if primaryResult.Status == sourcecache.StatusNotFound {
		// The identifier does not exist upstream, so nothing can match it.
		return Report{Verdict: VerdictNoMatch, PrimaryStatus: primaryResult.Status}, nil
	}

	secondaryKeys, err := q.derive(primaryResult.Payload)
	if err != nil {
		return Report{}, fmt.Errorf("derive secondary keys for %q: %w", key, err)
	}
	if len(secondaryKeys) == 0 {
		return Report{Verdict: VerdictNoMatch, PrimaryStatus: primaryResult.Status}, nil
	}

	var mu sync.Mutex
	var matched, unavailable []string

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(q.maxParallel)
	for _, secondaryKey := range secondaryKeys {
		secondaryKey := secondaryKey
		group.Go(func() error {
			secondaryResult, err := q.secondary.Resolve(groupCtx, secondaryKey)
			if err != nil {
				if sourcecache.IsUnavailable(err) {
					mu.Lock()
					unavailable = append(unavailable, secondaryKey)
					mu.Unlock()
					return nil
				}
				return err
			}
			if secondaryResult.Status == sourcecache.StatusNotFound {
				return nil
			}
			mu.Lock()
			matched = append(matched, secondaryKey)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Report{}, err
	}

	sort.Strings(matched)
	sort.Strings(unavailable)

	report := Report{
		PrimaryStatus: primaryResult.Status,
		Matched:       matched,
		Unavailable:   unavailable,
	}
	switch {
	case len(matched) > 0:
		// A confirmed hit is definitive even if other derived keys were
		// unavailable.
		report.Verdict = VerdictMatch
	case len(unavailable) > 0:
		report.Verdict = VerdictIndeterminate
	default:
		report.Verdict = VerdictNoMatch
	}
	q.logger.Debug().Str("key", key).Str("verdict", report.Verdict.String()).Msg("Correlation complete.")
	return report, nil
}
