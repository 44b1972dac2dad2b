// Package memory implements an in-process [queue.Queue] backed by timers and
// goroutines.
//
// It exists for single-node deployments and for tests: semantics match the
// redis backend (dedup keys, replace-on-add, delayed delivery, retry backoff)
// without any external service. Jobs do not survive a process restart.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/engram/pkg/queue"
)

const (
	// DefaultConcurrency is the worker pool size when Config.Concurrency
	// is unset.
	DefaultConcurrency = 5

	// defaultRetention is how long terminal jobs stay readable.
	defaultRetention = 24 * time.Hour

	// pollInterval is the idle worker wakeup fallback. Normal wakeups come
	// from the wake channel, so this only bounds worst-case latency after
	// a missed signal.
	pollInterval = 500 * time.Millisecond

	janitorInterval = time.Minute
)

// Config configures an in-process queue.
type Config struct {
	// Concurrency is the worker pool size. Defaults to [DefaultConcurrency].
	Concurrency int

	// Limiter optionally caps handler invocations across all workers.
	Limiter *queue.Limiter

	// Retention is how long terminal jobs stay readable before the janitor
	// prunes them. Defaults to 24h.
	Retention time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// dedupEntry tracks which job currently holds a dedup key.
type dedupEntry struct {
	jobID     string
	expiresAt time.Time
	ttl       time.Duration
	extend    bool
}

// Queue is an in-process job queue. Safe for concurrent use.
type Queue struct {
	concurrency int
	limiter     *queue.Limiter
	retention   time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*queue.Job
	finished map[string]time.Time
	dedup    map[string]dedupEntry
	timers   map[string]*time.Timer
	waiting  []string
	started  bool

	wake      chan struct{}
	handler   queue.Handler
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ queue.Queue = (*Queue)(nil)

// New returns an empty queue. Call Subscribe then Start to begin processing.
func New(cfg Config) *Queue {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		concurrency: cfg.Concurrency,
		limiter:     cfg.Limiter,
		retention:   cfg.Retention,
		logger:      cfg.Logger,
		jobs:        make(map[string]*queue.Job),
		finished:    make(map[string]time.Time),
		dedup:       make(map[string]dedupEntry),
		timers:      make(map[string]*time.Timer),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// ───────────────────────── producer side ─────────────────────────

// Add enqueues a job per the [queue.Queue] contract.
func (q *Queue) Add(ctx context.Context, name string, payload []byte, opts queue.AddOpts) (*queue.Job, error) {
	if name == "" {
		return nil, errors.New("queue: job name required")
	}
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.Dedup != nil && opts.Dedup.ID != "" {
		if e, j, ok := q.liveDedupLocked(opts.Dedup.ID, now); ok {
			if j.State == queue.StateActive || !opts.Dedup.Replace {
				return cloneJob(j), nil
			}
			// Postpone the existing job instead of creating a new one.
			q.stopTimerLocked(j.ID)
			q.removeWaitingLocked(j.ID)
			j.Payload = bytes.Clone(payload)
			j.ScheduledAt = now.Add(opts.Delay)
			if opts.Dedup.Extend && e.ttl > 0 {
				e.expiresAt = now.Add(e.ttl)
				q.dedup[opts.Dedup.ID] = e
			}
			q.dispatchLocked(j, opts.Delay)
			return cloneJob(j), nil
		}
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.jobs[id]; exists {
		return nil, fmt.Errorf("queue: job %q already exists", id)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	j := &queue.Job{
		ID:            id,
		Name:          name,
		Payload:       bytes.Clone(payload),
		MaxAttempts:   maxAttempts,
		BackoffBase:   opts.BackoffBase,
		FirstQueuedAt: now,
		ScheduledAt:   now.Add(opts.Delay),
	}
	if opts.Dedup != nil && opts.Dedup.ID != "" {
		j.DedupID = opts.Dedup.ID
		e := dedupEntry{jobID: id, ttl: opts.Dedup.TTL, extend: opts.Dedup.Extend}
		if opts.Dedup.TTL > 0 {
			e.expiresAt = now.Add(opts.Dedup.TTL)
		}
		q.dedup[opts.Dedup.ID] = e
	}
	q.jobs[id] = j
	q.dispatchLocked(j, opts.Delay)
	return cloneJob(j), nil
}

// Get returns a copy of the job with the given id.
func (q *Queue) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", queue.ErrJobNotFound, jobID)
	}
	return cloneJob(j), nil
}

// GetByDedupID resolves a live dedup key to its job.
func (q *Queue) GetByDedupID(ctx context.Context, dedupID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.dedup[dedupID]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		return nil, fmt.Errorf("%w: dedup %q", queue.ErrJobNotFound, dedupID)
	}
	j, ok := q.jobs[e.jobID]
	if !ok {
		return nil, fmt.Errorf("%w: dedup %q", queue.ErrJobNotFound, dedupID)
	}
	return cloneJob(j), nil
}

// Promote makes a delayed job immediately due.
func (q *Queue) Promote(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %q", queue.ErrJobNotFound, jobID)
	}
	if j.State != queue.StateDelayed {
		return nil
	}
	q.stopTimerLocked(jobID)
	j.State = queue.StateWaiting
	j.ScheduledAt = time.Now()
	q.pushWaitingLocked(jobID)
	return nil
}

// RemoveDedupKey releases a dedup key without touching its job.
func (q *Queue) RemoveDedupKey(ctx context.Context, dedupID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.dedup, dedupID)
	return nil
}

// Ping reports whether the queue is still open.
func (q *Queue) Ping(ctx context.Context) error {
	select {
	case <-q.done:
		return errors.New("queue: closed")
	default:
		return nil
	}
}

// ───────────────────────── consumer side ─────────────────────────

// Subscribe registers the job handler. Must be called before Start.
func (q *Queue) Subscribe(h queue.Handler) {
	q.handler = h
}

// Start launches the worker pool and the retention janitor. It returns
// promptly; pass a long-lived context and stop processing with Close.
func (q *Queue) Start(ctx context.Context) error {
	if q.handler == nil {
		return queue.ErrNoHandler
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue: already started")
	}
	q.started = true
	q.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	q.wg.Add(1)
	go q.janitor(runCtx)
	return nil
}

// Close stops the workers, waiting for in-flight jobs until ctx expires, then
// cancelling them.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() { close(q.done) })

	q.mu.Lock()
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-finished
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		default:
		}

		j, ok := q.claim()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-q.wake:
			case <-time.After(pollInterval):
			}
			continue
		}
		q.process(ctx, j)
	}
}

func (q *Queue) process(ctx context.Context, j *queue.Job) {
	if err := q.limiter.Wait(ctx); err != nil {
		q.requeue(j.ID)
		return
	}
	q.settle(j.ID, q.handler(ctx, j))
}

// claim pops waiting job ids until it finds one still in the waiting state,
// skipping ids whose job was replaced or removed since being queued.
func (q *Queue) claim() (*queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		j, ok := q.jobs[id]
		if !ok || j.State != queue.StateWaiting {
			continue
		}
		j.State = queue.StateActive
		j.Attempts++
		if j.DedupID != "" {
			if e, ok := q.dedup[j.DedupID]; ok && e.jobID == j.ID && e.extend && e.ttl > 0 {
				e.expiresAt = now.Add(e.ttl)
				q.dedup[j.DedupID] = e
			}
		}
		return cloneJob(j), true
	}
	return nil, false
}

// requeue puts a claimed job back at the head of the waiting list without
// consuming an attempt. Used when shutdown interrupts the rate limiter wait.
func (q *Queue) requeue(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.State != queue.StateActive {
		return
	}
	j.State = queue.StateWaiting
	j.Attempts--
	q.waiting = append([]string{jobID}, q.waiting...)
}

// settle records the outcome of one attempt: completion, a re-delayed retry,
// or permanent failure once attempts are exhausted.
func (q *Queue) settle(jobID string, handlerErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.State != queue.StateActive {
		return
	}
	if handlerErr == nil {
		j.State = queue.StateCompleted
		j.LastError = ""
		q.finishLocked(j)
		return
	}

	j.LastError = handlerErr.Error()
	if j.Attempts < j.MaxAttempts {
		delay := queue.BackoffDelay(j.BackoffBase, j.Attempts)
		j.ScheduledAt = time.Now().Add(delay)
		q.logger.Warn("job attempt failed, retrying",
			"job_id", jobID,
			"attempt", j.Attempts,
			"max_attempts", j.MaxAttempts,
			"retry_in", delay,
			"error", handlerErr)
		q.dispatchLocked(j, delay)
		return
	}

	j.State = queue.StateFailed
	q.logger.Error("job failed permanently",
		"job_id", jobID,
		"attempts", j.Attempts,
		"error", handlerErr)
	q.finishLocked(j)
}

func (q *Queue) janitor(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			q.prune(time.Now())
		}
	}
}

// prune drops terminal jobs past retention and expired dedup keys.
func (q *Queue) prune(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, at := range q.finished {
		if now.Sub(at) >= q.retention {
			delete(q.finished, id)
			delete(q.jobs, id)
		}
	}
	for key, e := range q.dedup {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(q.dedup, key)
		}
	}
}

// ───────────────────────── internals ─────────────────────────

// liveDedupLocked resolves a dedup key to its entry and non-terminal job.
// Stale entries (expired, or pointing at a terminal or missing job) are
// removed and reported as absent.
func (q *Queue) liveDedupLocked(dedupID string, now time.Time) (dedupEntry, *queue.Job, bool) {
	e, ok := q.dedup[dedupID]
	if !ok {
		return dedupEntry{}, nil, false
	}
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(q.dedup, dedupID)
		return dedupEntry{}, nil, false
	}
	j, ok := q.jobs[e.jobID]
	if !ok || j.State.Terminal() {
		delete(q.dedup, dedupID)
		return dedupEntry{}, nil, false
	}
	return e, j, true
}

// dispatchLocked moves a job into delayed or waiting depending on delay.
func (q *Queue) dispatchLocked(j *queue.Job, delay time.Duration) {
	if delay > 0 {
		j.State = queue.StateDelayed
		q.scheduleTimerLocked(j.ID, delay)
		return
	}
	j.State = queue.StateWaiting
	q.pushWaitingLocked(j.ID)
}

func (q *Queue) scheduleTimerLocked(jobID string, delay time.Duration) {
	q.timers[jobID] = time.AfterFunc(delay, func() { q.fire(jobID) })
}

// fire is the delayed-job timer callback.
func (q *Queue) fire(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.timers, jobID)
	j, ok := q.jobs[jobID]
	if !ok || j.State != queue.StateDelayed {
		return
	}
	j.State = queue.StateWaiting
	q.pushWaitingLocked(jobID)
}

func (q *Queue) stopTimerLocked(jobID string) {
	if t, ok := q.timers[jobID]; ok {
		t.Stop()
		delete(q.timers, jobID)
	}
}

func (q *Queue) pushWaitingLocked(jobID string) {
	q.waiting = append(q.waiting, jobID)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) removeWaitingLocked(jobID string) {
	for i, id := range q.waiting {
		if id == jobID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

// finishLocked releases the job's dedup key if it still owns it and records
// the terminal time for retention pruning.
func (q *Queue) finishLocked(j *queue.Job) {
	if j.DedupID != "" {
		if e, ok := q.dedup[j.DedupID]; ok && e.jobID == j.ID {
			delete(q.dedup, j.DedupID)
		}
	}
	q.finished[j.ID] = time.Now()
}

func cloneJob(j *queue.Job) *queue.Job {
	cp := *j
	cp.Payload = bytes.Clone(j.Payload)
	return &cp
}
