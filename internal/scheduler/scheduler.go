// Package scheduler debounces extraction work per user.
//
// Handlers call [Scheduler.Schedule] after persisting messages. Rapid
// successive calls for the same user coalesce into a single queued job whose
// timer resets on every call, so one extraction run sees the whole burst of
// messages. A job that keeps getting postponed is force-promoted once it has
// been pending for the configured maximum wait, bounding staleness under a
// constant message stream.
//
// The package also provides the queue [Worker] that executes claimed jobs
// through the extraction pipeline, and a [Sweeper] that re-schedules users
// whose pending messages lost their queue job across a restart.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/engram/internal/observe"
	"github.com/MrWong99/engram/pkg/queue"
)

// JobName is the queue job type for extraction runs.
const JobName = "extract"

// dedupPrefix namespaces the per-user dedup keys.
const dedupPrefix = "extract:"

// Default scheduling profile for production deployments. Tests substitute
// sub-second values through [Config].
const (
	DefaultDebounce    = 30 * time.Second
	DefaultMaxWait     = 5 * time.Minute
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 2 * time.Second
)

// Config is the scheduling profile.
type Config struct {
	// Debounce is how long after the last Schedule call the extraction
	// runs. Defaults to [DefaultDebounce].
	Debounce time.Duration

	// MaxWait bounds how long repeated postponements can delay a job past
	// its first enqueue. Defaults to [DefaultMaxWait].
	MaxWait time.Duration

	// MaxAttempts is the job retry budget. Defaults to
	// [DefaultMaxAttempts].
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per further
	// attempt. Defaults to [DefaultBackoffBase].
	BackoffBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	return c
}

// jobPayload is the extraction job body.
type jobPayload struct {
	UserID string `json:"user_id"`
}

// DedupID returns the dedup key under which a user's extraction jobs
// coalesce.
func DedupID(userID string) string {
	return dedupPrefix + userID
}

// Scheduler enqueues debounced extraction jobs. Safe for concurrent use; the
// one-job-per-user guarantee comes from the queue's dedup atomicity, not from
// locking here.
type Scheduler struct {
	queue   queue.Queue
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
}

// New returns a Scheduler enqueueing onto q with the given profile.
// logger may be nil ([slog.Default]); metrics may be nil (no instrumentation).
func New(q queue.Queue, cfg Config, logger *slog.Logger, metrics *observe.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:   q,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
	}
}

// Schedule requests an extraction run for userID, debounced by the configured
// delay. It returns quickly and never runs extraction inline.
//
// While the user already has a delayed or waiting job, the call postpones
// that job instead of adding a new one; while a run is active, the call is a
// no-op (the active run observes the fresh messages itself). A job whose
// first enqueue lies MaxWait or more in the past is promoted to run
// immediately, and its dedup key is released so the next call starts a fresh
// cycle.
func (s *Scheduler) Schedule(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("scheduler: user id must not be empty")
	}

	payload, err := json.Marshal(jobPayload{UserID: userID})
	if err != nil {
		return fmt.Errorf("scheduler: encode job payload: %w", err)
	}

	dedupID := DedupID(userID)
	jobID := dedupID + ":" + uuid.NewString()
	job, err := s.queue.Add(ctx, JobName, payload, queue.AddOpts{
		JobID:       jobID,
		Delay:       s.cfg.Debounce,
		MaxAttempts: s.cfg.MaxAttempts,
		BackoffBase: s.cfg.BackoffBase,
		Dedup: &queue.DedupOpts{
			ID:      dedupID,
			TTL:     s.cfg.Debounce,
			Replace: true,
			Extend:  true,
		},
	})
	if err != nil {
		return fmt.Errorf("scheduler: enqueue extraction: %w", err)
	}

	switch {
	case job.ID == jobID:
		s.metrics.RecordQueueEvent(ctx, "added")
		s.metrics.AddQueueDepth(ctx, 1)
		s.logger.Debug("extraction scheduled",
			"user_id", userID,
			"job_id", job.ID,
			"run_at", job.ScheduledAt)
	case job.State == queue.StateActive:
		// The active run loads pending messages itself, so the burst
		// that triggered this call is already covered.
		s.metrics.RecordQueueEvent(ctx, "coalesced")
		s.logger.Debug("extraction already running",
			"user_id", userID,
			"job_id", job.ID)
	default:
		s.metrics.RecordQueueEvent(ctx, "replaced")
		s.logger.Debug("extraction postponed",
			"user_id", userID,
			"job_id", job.ID,
			"run_at", job.ScheduledAt)
	}

	if job.State.Terminal() {
		return nil
	}
	waited := time.Since(job.FirstQueuedAt)
	if waited < s.cfg.MaxWait {
		return nil
	}

	// The job has been postponed past the staleness bound: release the
	// dedup key so the next Schedule starts a fresh cycle, then force the
	// job to run now.
	if err := s.queue.RemoveDedupKey(ctx, dedupID); err != nil {
		return fmt.Errorf("scheduler: release dedup key: %w", err)
	}
	if err := s.queue.Promote(ctx, job.ID); err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		return fmt.Errorf("scheduler: promote overdue job: %w", err)
	}
	s.metrics.RecordQueueEvent(ctx, "promoted")
	s.logger.Info("extraction promoted after max wait",
		"user_id", userID,
		"job_id", job.ID,
		"waited", waited)
	return nil
}
