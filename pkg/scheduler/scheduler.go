// Package scheduler executes batches of cache resolutions under two
// constraints: a global bounded worker pool, and a per-source rate limit so
// the cache layer never exceeds the request budget a remote registry
// tolerates. Submitted jobs are independent; one failure never aborts the
// rest, and every job is accounted for with an outcome.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/233Official/go-vulncache/pkg/sourcecache"
)

// Resolver is the narrow contract the scheduler needs from a source cache.
// *sourcecache.SourceCache satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, key string) (sourcecache.Result, error)
	Source() string
}

// KeyLister is optionally implemented by resolvers that can enumerate their
// cached keys; Warm requires it.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// RateConfig bounds the request budget for one source.
type RateConfig struct {
	// Interval is the minimum spacing between fetches for the source.
	// Zero means unlimited.
	Interval time.Duration
	// Burst is how many requests may run back-to-back before the spacing
	// applies. Defaults to 1.
	Burst int
}

// Config holds configuration for a Scheduler.
type Config struct {
	// NumWorkers caps how many resolutions run concurrently across all
	// sources. Defaults to 5.
	NumWorkers int
}

// Job names one resolution: a key within a registered source.
type Job struct {
	Source string
	Key    string
}

// Outcome is the per-job report of a batch run.
type Outcome struct {
	Job    Job
	Result sourcecache.Result
	Err    error
	// Cancelled marks a job skipped because the batch context was
	// cancelled before the job started. Cancelled jobs are not failures.
	Cancelled bool
}

type registration struct {
	resolver Resolver
	limiter  *rate.Limiter
}

// Scheduler fans batches of jobs out over a fixed worker pool, pacing each
// source with its own rate limiter.
type Scheduler struct {
	numWorkers int
	logger     zerolog.Logger

	mu      sync.RWMutex
	sources map[string]*registration
}

// New creates a Scheduler. Resolvers are attached with Register.
func New(cfg Config, logger zerolog.Logger) *Scheduler {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 5
	}
	return &Scheduler{
		numWorkers: numWorkers,
		logger:     logger.With().Str("component", "Scheduler").Logger(),
		sources:    make(map[string]*registration),
	}
}

// Register attaches a resolver and its rate budget. Registering the same
// source twice is an error.
func (s *Scheduler) Register(resolver Resolver, rc RateConfig) error {
	if resolver == nil {
		return fmt.Errorf("resolver cannot be nil")
	}
	source := resolver.Source()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if rc.Interval > 0 {
		burst := rc.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(rc.Interval), burst)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[source]; exists {
		return fmt.Errorf("source %q is already registered", source)
	}
	s.sources[source] = &registration{resolver: resolver, limiter: limiter}
	s.logger.Info().Str("source", source).Msg("Source registered with scheduler.")
	return nil
}

// Run resolves every job and returns one outcome per job, in completion
// order; callers correlate results by the job embedded in each outcome.
// Once ctx is cancelled, jobs that have not started are reported as
// cancelled and in-flight jobs stop at their next suspension point.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) []Outcome {
	batchID := uuid.NewString()
	batchLogger := s.logger.With().Str("batch_id", batchID).Logger()
	batchLogger.Info().Int("job_count", len(jobs)).Int("worker_count", s.numWorkers).Msg("Starting batch run.")

	jobCh := make(chan Job)
	outCh := make(chan Outcome)

	var wg sync.WaitGroup
	wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go func(workerID int) {
			defer wg.Done()
			batchLogger.Debug().Int("worker_id", workerID).Msg("Batch worker started.")
			for job := range jobCh {
				outCh <- s.runJob(ctx, job)
			}
		}(i)
	}

	go func() {
		defer close(jobCh)
		for _, job := range jobs {
			jobCh <- job
		}
	}()
	go func() {
		wg.Wait()
		close(outCh)
	}()

	outcomes := make([]Outcome, 0, len(jobs))
	var failures, cancelled int
	for outcome := range outCh {
		if outcome.Cancelled {
			cancelled++
		} else if outcome.Err != nil {
			failures++
		}
		outcomes = append(outcomes, outcome)
	}

	batchLogger.Info().
		Int("completed", len(outcomes)-failures-cancelled).
		Int("failures", failures).
		Int("cancelled", cancelled).
		Msg("Batch run finished.")
	return outcomes
}

// Warm resolves every key currently cached for a source, refreshing any
// that have gone stale. The resolver must implement KeyLister.
func (s *Scheduler) Warm(ctx context.Context, source, prefix string) ([]Outcome, error) {
	s.mu.RLock()
	reg, ok := s.sources[source]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no resolver registered for source %q", source)
	}
	lister, ok := reg.resolver.(KeyLister)
	if !ok {
		return nil, fmt.Errorf("resolver for source %q cannot enumerate keys", source)
	}

	keys, err := lister.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys for %q: %w", source, err)
	}
	jobs := make([]Job, 0, len(keys))
	for _, key := range keys {
		jobs = append(jobs, Job{Source: source, Key: key})
	}
	return s.Run(ctx, jobs), nil
}

// runJob resolves one job, honoring the batch cancellation signal and the
// source's rate budget before the fetch may run.
func (s *Scheduler) runJob(ctx context.Context, job Job) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Job: job, Err: err, Cancelled: true}
	}

	s.mu.RLock()
	reg, ok := s.sources[job.Source]
	s.mu.RUnlock()
	if !ok {
		return Outcome{Job: job, Err: fmt.Errorf("no resolver registered for source %q", job.Source)}
	}

	if err := reg.limiter.Wait(ctx); err != nil {
		// Cancelled while queued for the rate budget: the job never
		// started, so it is skipped rather than failed.
		return Outcome{Job: job, Err: err, Cancelled: true}
	}

	result, err := reg.resolver.Resolve(ctx, job.Key)
	return Outcome{Job: job, Result: result, Err: err}
}
