// Package queue defines the job queue contract used by the extraction
// scheduler.
//
// The contract is deliberately small: named jobs with payloads, delayed
// delivery, per-job retry budgets, and a deduplication-key mechanism that lets
// a caller coalesce repeated adds into a single pending job. A live dedup key
// maps to at most one non-terminal job, which is what gives the scheduler its
// one-job-per-user guarantee.
//
// Two backends ship with engram: [github.com/MrWong99/engram/pkg/queue/redis]
// for multi-process deployments and
// [github.com/MrWong99/engram/pkg/queue/memory] for tests and single-node
// mode. Both must be safe for concurrent use.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by lookup methods when no job exists under the
// requested id or dedup key.
var ErrJobNotFound = errors.New("queue: job not found")

// ErrNoHandler is returned by Start when no handler has been subscribed.
var ErrNoHandler = errors.New("queue: no handler subscribed")

// State is the lifecycle state of a job.
type State string

const (
	// StateDelayed means the job is waiting for its scheduled time.
	StateDelayed State = "delayed"

	// StateWaiting means the job is due and queued for a worker.
	StateWaiting State = "waiting"

	// StateActive means a worker is currently processing the job.
	StateActive State = "active"

	// StateCompleted means the job's handler returned without error.
	StateCompleted State = "completed"

	// StateFailed means the job exhausted its retry budget.
	StateFailed State = "failed"
)

// Terminal reports whether s is a final state. A dedup key held by a job in a
// terminal state is released so a fresh cycle can start.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of scheduled work.
//
// Backends return copies; mutating a returned Job has no effect on the queue.
type Job struct {
	// ID uniquely identifies the job.
	ID string

	// Name is the job type, used to route to a handler.
	Name string

	// Payload is the opaque job body, typically JSON.
	Payload []byte

	// State is the lifecycle state at the time the Job was read.
	State State

	// Attempts counts processing attempts so far. It is 0 until the first
	// claim and equals the current attempt number inside a handler.
	Attempts int

	// MaxAttempts caps processing attempts before the job fails permanently.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt; it doubles for
	// every further attempt.
	BackoffBase time.Duration

	// FirstQueuedAt is when the job was first added. Replacing a deduped
	// job preserves it, so callers can bound the total time a repeatedly
	// postponed job has been pending.
	FirstQueuedAt time.Time

	// ScheduledAt is when the job becomes due.
	ScheduledAt time.Time

	// DedupID is the deduplication key the job holds, if any.
	DedupID string

	// LastError is the handler error message of the most recent failed
	// attempt, or empty.
	LastError string
}

// DedupOpts configures deduplication for an Add call.
type DedupOpts struct {
	// ID is the deduplication key. While a non-terminal job holds the key,
	// further adds with the same key do not create new jobs.
	ID string

	// TTL bounds the key's lifetime so it self-expires even if the
	// completion cleanup never runs. Callers typically match it to the
	// job delay.
	TTL time.Duration

	// Replace postpones an existing delayed or waiting job to now+Delay and
	// swaps its payload instead of keeping the old schedule. Active jobs
	// are never replaced.
	Replace bool

	// Extend refreshes the key's TTL whenever the job is replaced or
	// claimed by a worker.
	Extend bool
}

// AddOpts configures a single Add call.
type AddOpts struct {
	// JobID is the id for the new job. Empty means the backend assigns one.
	JobID string

	// Delay defers the job; zero makes it immediately due.
	Delay time.Duration

	// MaxAttempts caps processing attempts. Values below 1 mean 1.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt; it doubles for
	// every further attempt.
	BackoffBase time.Duration

	// Dedup enables deduplication when non-nil.
	Dedup *DedupOpts
}

// Handler processes one job attempt. A nil return completes the job; an error
// consumes one attempt and either re-delays the job with backoff or, once the
// budget is exhausted, fails it permanently.
type Handler func(ctx context.Context, job *Job) error

// Queue is the job queue contract consumed by the extraction scheduler.
//
// Implementations must be safe for concurrent use; Add in particular races
// against itself from many goroutines and must uphold the one-non-terminal-
// job-per-dedup-key invariant under those races.
type Queue interface {
	// Add enqueues a job. When opts.Dedup names a key held by a live
	// non-terminal job, no new job is created: the existing job is returned,
	// postponed and updated per opts.Dedup.Replace. Callers detect
	// coalescing by comparing the returned ID with opts.JobID.
	Add(ctx context.Context, name string, payload []byte, opts AddOpts) (*Job, error)

	// Get returns the job with the given id, or [ErrJobNotFound]. Terminal
	// jobs remain readable for a backend-specific retention window.
	Get(ctx context.Context, jobID string) (*Job, error)

	// GetByDedupID resolves a live dedup key to its job, or [ErrJobNotFound].
	GetByDedupID(ctx context.Context, dedupID string) (*Job, error)

	// Promote makes a delayed job immediately due. Jobs in any other state
	// are left untouched.
	Promote(ctx context.Context, jobID string) error

	// RemoveDedupKey releases a dedup key without touching its job, so the
	// next Add starts a fresh cycle. Removing an absent key is not an error.
	RemoveDedupKey(ctx context.Context, dedupID string) error

	// Subscribe registers the handler invoked for every claimed job.
	// Must be called before Start.
	Subscribe(h Handler)

	// Start launches the worker pool. It returns promptly; processing
	// happens on background goroutines until Close.
	Start(ctx context.Context) error

	// Close stops the workers, waiting for in-flight jobs until ctx
	// expires, then cancelling them.
	Close(ctx context.Context) error

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error
}

// maxBackoffShift caps the exponent in [BackoffDelay] so repeated failures
// cannot overflow a time.Duration.
const maxBackoffShift = 16

// BackoffDelay returns the exponential backoff delay before the given retry:
// base for attempt 1, doubling per further attempt. attempt is the number of
// the attempt that just failed (1-based).
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}
