// Package redis implements a [queue.Queue] on Redis for multi-process
// deployments.
//
// Layout under the "engram:q:{name}:" prefix:
//
//	delayed      ZSET   job id scored by due time (unix ms)
//	waiting      LIST   due job ids, oldest first
//	job:{id}     HASH   job fields
//	dedup:{id}   STRING job id currently holding the key, with PX TTL
//
// All multi-key transitions (dedup-aware add, due promotion, claim, retry,
// completion) run as Lua scripts so concurrent producers and workers cannot
// observe half-applied state.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/engram/pkg/queue"
)

const (
	// DefaultName is the queue name when Config.Name is unset.
	DefaultName = "extraction"

	// DefaultConcurrency is the worker pool size when Config.Concurrency
	// is unset.
	DefaultConcurrency = 5

	defaultRetention    = 24 * time.Hour
	defaultPollInterval = 500 * time.Millisecond

	// blockTimeout bounds each blocking pop so workers notice shutdown.
	blockTimeout = 2 * time.Second

	// moveBatch caps how many due jobs one mover tick promotes.
	moveBatch = 128

	// opTimeout bounds outcome writes that must land even after the worker
	// context was cancelled mid-handler.
	opTimeout = 10 * time.Second
)

// Config configures a Redis-backed queue.
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Password is optional.
	Password string

	// DB selects the Redis logical database.
	DB int

	// Name namespaces all keys; queues with different names are
	// independent. Defaults to [DefaultName].
	Name string

	// Concurrency is the worker pool size. Defaults to [DefaultConcurrency].
	Concurrency int

	// Limiter optionally caps handler invocations across this process's
	// workers.
	Limiter *queue.Limiter

	// Retention is how long terminal job hashes stay readable. Defaults
	// to 24h.
	Retention time.Duration

	// PollInterval is how often due delayed jobs are moved to waiting.
	// Defaults to 500ms.
	PollInterval time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Queue is a Redis-backed job queue. Safe for concurrent use; multiple
// processes may share one queue name.
type Queue struct {
	client       *redis.Client
	prefix       string
	delayedKey   string
	waitingKey   string
	concurrency  int
	limiter      *queue.Limiter
	retention    time.Duration
	pollInterval time.Duration
	logger       *slog.Logger

	handler   queue.Handler
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool
}

var _ queue.Queue = (*Queue)(nil)

// New connects to Redis and returns an empty queue. Call Subscribe then Start
// to begin processing; producers may Add without ever starting workers.
func New(cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	prefix := "engram:q:" + cfg.Name + ":"
	return &Queue{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix:       prefix,
		delayedKey:   prefix + "delayed",
		waitingKey:   prefix + "waiting",
		concurrency:  cfg.Concurrency,
		limiter:      cfg.Limiter,
		retention:    cfg.Retention,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
		done:         make(chan struct{}),
	}
}

func (q *Queue) jobKey(jobID string) string   { return q.prefix + "job:" + jobID }
func (q *Queue) dedupKey(dedup string) string { return q.prefix + "dedup:" + dedup }

// ───────────────────────── lua scripts ─────────────────────────

// addScript performs a dedup-aware add. While the dedup key resolves to a
// live non-terminal job it returns that job (postponed when replace is set);
// otherwise it creates the candidate job and takes the key.
//
// KEYS: dedup key, new job key, delayed zset, waiting list.
// ARGV: new id, name, payload, now ms, delay ms, ttl ms, replace, extend,
// max attempts, backoff ms, dedup id, key prefix.
var addScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  local jobKey = ARGV[12] .. 'job:' .. existing
  local state = redis.call('HGET', jobKey, 'state')
  if state == 'active' then
    return {existing, 'kept'}
  end
  if state == 'delayed' or state == 'waiting' then
    if ARGV[7] == '1' then
      local due = tonumber(ARGV[4]) + tonumber(ARGV[5])
      redis.call('HSET', jobKey, 'payload', ARGV[3], 'scheduled_at_ms', due, 'state', 'delayed')
      if state == 'waiting' then
        redis.call('LREM', KEYS[4], 0, existing)
      end
      redis.call('ZADD', KEYS[3], due, existing)
      if ARGV[8] == '1' and tonumber(ARGV[6]) > 0 then
        redis.call('PEXPIRE', KEYS[1], ARGV[6])
      end
      return {existing, 'replaced'}
    end
    return {existing, 'kept'}
  end
end
local due = tonumber(ARGV[4]) + tonumber(ARGV[5])
local state = 'waiting'
if tonumber(ARGV[5]) > 0 then
  state = 'delayed'
end
redis.call('HSET', KEYS[2],
  'name', ARGV[2],
  'payload', ARGV[3],
  'state', state,
  'attempts', 0,
  'max_attempts', ARGV[9],
  'backoff_base_ms', ARGV[10],
  'first_queued_at_ms', ARGV[4],
  'scheduled_at_ms', due,
  'dedup_id', ARGV[11],
  'dedup_ttl_ms', ARGV[6],
  'dedup_extend', ARGV[8],
  'last_error', '')
if state == 'delayed' then
  redis.call('ZADD', KEYS[3], due, ARGV[1])
else
  redis.call('RPUSH', KEYS[4], ARGV[1])
end
if tonumber(ARGV[6]) > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[6])
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return {ARGV[1], 'added'}
`)

// moveDueScript promotes due delayed jobs to the waiting list.
// KEYS: delayed zset, waiting list. ARGV: now ms, batch limit, key prefix.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[3] .. 'job:' .. id, 'state', 'waiting')
  redis.call('RPUSH', KEYS[2], id)
end
return #due
`)

// claimScript transitions a popped job to active and bumps its attempt
// counter, extending the dedup TTL when the job asked for that. Returns nil
// when the job is no longer waiting (replaced or removed since being queued).
// KEYS: job key. ARGV: key prefix.
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'waiting' then
  return false
end
redis.call('HSET', KEYS[1], 'state', 'active')
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
local dedup = redis.call('HGET', KEYS[1], 'dedup_id')
local extend = redis.call('HGET', KEYS[1], 'dedup_extend')
local ttl = tonumber(redis.call('HGET', KEYS[1], 'dedup_ttl_ms'))
if dedup and dedup ~= '' and extend == '1' and ttl and ttl > 0 then
  redis.call('PEXPIRE', ARGV[1] .. 'dedup:' .. dedup, ttl)
end
return attempts
`)

// completeScript marks a job completed, sets retention expiry and releases the
// dedup key if this job still holds it.
// KEYS: job key. ARGV: job id, key prefix, retention ms.
var completeScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'state', 'completed', 'last_error', '')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local dedup = redis.call('HGET', KEYS[1], 'dedup_id')
if dedup and dedup ~= '' then
  local key = ARGV[2] .. 'dedup:' .. dedup
  if redis.call('GET', key) == ARGV[1] then
    redis.call('DEL', key)
  end
end
return 1
`)

// retryScript records a failed attempt: re-delays the job with exponential
// backoff while attempts remain (returns 1), otherwise fails it permanently
// and releases the dedup key (returns 0).
// KEYS: job key, delayed zset. ARGV: job id, key prefix, retention ms,
// now ms, error message.
var retryScript = redis.NewScript(`
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts')) or 0
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts')) or 1
redis.call('HSET', KEYS[1], 'last_error', ARGV[5])
if attempts < max then
  local base = tonumber(redis.call('HGET', KEYS[1], 'backoff_base_ms')) or 0
  local due = math.floor(tonumber(ARGV[4]) + base * 2 ^ (attempts - 1))
  redis.call('HSET', KEYS[1], 'state', 'delayed', 'scheduled_at_ms', due)
  redis.call('ZADD', KEYS[2], due, ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'failed')
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local dedup = redis.call('HGET', KEYS[1], 'dedup_id')
if dedup and dedup ~= '' then
  local key = ARGV[2] .. 'dedup:' .. dedup
  if redis.call('GET', key) == ARGV[1] then
    redis.call('DEL', key)
  end
end
return 0
`)

// promoteScript moves a delayed job to waiting. Returns -1 when the job does
// not exist, 0 when it exists but is not delayed, 1 on promotion.
// KEYS: delayed zset, waiting list, job key. ARGV: job id, now ms.
var promoteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 0 then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'state', 'waiting', 'scheduled_at_ms', ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// ───────────────────────── producer side ─────────────────────────

// Add enqueues a job per the [queue.Queue] contract.
func (q *Queue) Add(ctx context.Context, name string, payload []byte, opts queue.AddOpts) (*queue.Job, error) {
	if name == "" {
		return nil, errors.New("queue: job name required")
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := time.Now()

	if opts.Dedup != nil && opts.Dedup.ID != "" {
		keys := []string{
			q.dedupKey(opts.Dedup.ID),
			q.jobKey(id),
			q.delayedKey,
			q.waitingKey,
		}
		vals, err := addScript.Run(ctx, q.client, keys,
			id,
			name,
			payload,
			now.UnixMilli(),
			opts.Delay.Milliseconds(),
			opts.Dedup.TTL.Milliseconds(),
			boolArg(opts.Dedup.Replace),
			boolArg(opts.Dedup.Extend),
			maxAttempts,
			opts.BackoffBase.Milliseconds(),
			opts.Dedup.ID,
			q.prefix,
		).Slice()
		if err != nil {
			return nil, fmt.Errorf("queue: add job: %w", err)
		}
		if len(vals) != 2 {
			return nil, fmt.Errorf("queue: add job: unexpected reply %v", vals)
		}
		gotID, ok := vals[0].(string)
		if !ok {
			return nil, fmt.Errorf("queue: add job: unexpected reply %v", vals)
		}
		return q.Get(ctx, gotID)
	}

	fields := map[string]any{
		"name":               name,
		"payload":            payload,
		"state":              string(queue.StateWaiting),
		"attempts":           0,
		"max_attempts":       maxAttempts,
		"backoff_base_ms":    opts.BackoffBase.Milliseconds(),
		"first_queued_at_ms": now.UnixMilli(),
		"scheduled_at_ms":    now.Add(opts.Delay).UnixMilli(),
		"dedup_id":           "",
		"dedup_ttl_ms":       0,
		"dedup_extend":       "0",
		"last_error":         "",
	}
	pipe := q.client.TxPipeline()
	if opts.Delay > 0 {
		fields["state"] = string(queue.StateDelayed)
		pipe.HSet(ctx, q.jobKey(id), fields)
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.HSet(ctx, q.jobKey(id), fields)
		pipe.RPush(ctx, q.waitingKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: add job: %w", err)
	}
	return q.Get(ctx, id)
}

// Get returns the job with the given id.
func (q *Queue) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %q", queue.ErrJobNotFound, jobID)
	}
	return parseJob(jobID, fields), nil
}

// GetByDedupID resolves a live dedup key to its job.
func (q *Queue) GetByDedupID(ctx context.Context, dedupID string) (*queue.Job, error) {
	jobID, err := q.client.Get(ctx, q.dedupKey(dedupID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: dedup %q", queue.ErrJobNotFound, dedupID)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get dedup key: %w", err)
	}
	return q.Get(ctx, jobID)
}

// Promote makes a delayed job immediately due.
func (q *Queue) Promote(ctx context.Context, jobID string) error {
	keys := []string{q.delayedKey, q.waitingKey, q.jobKey(jobID)}
	res, err := promoteScript.Run(ctx, q.client, keys, jobID, time.Now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("queue: promote job: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %q", queue.ErrJobNotFound, jobID)
	}
	return nil
}

// RemoveDedupKey releases a dedup key without touching its job.
func (q *Queue) RemoveDedupKey(ctx context.Context, dedupID string) error {
	if err := q.client.Del(ctx, q.dedupKey(dedupID)).Err(); err != nil {
		return fmt.Errorf("queue: remove dedup key: %w", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: ping: %w", err)
	}
	return nil
}

// ───────────────────────── consumer side ─────────────────────────

// Subscribe registers the job handler. Must be called before Start.
func (q *Queue) Subscribe(h queue.Handler) {
	q.handler = h
}

// Start launches the worker pool and the due-job mover. It returns promptly;
// pass a long-lived context and stop processing with Close.
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
	go q.mover(runCtx)
	return nil
}

// Close stops the workers, waiting for in-flight jobs until ctx expires, then
// cancelling them. The Redis connection is closed last.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() { close(q.done) })

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	var waitErr error
	select {
	case <-finished:
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-finished
		waitErr = ctx.Err()
	}
	if err := q.client.Close(); err != nil && waitErr == nil {
		waitErr = fmt.Errorf("queue: close client: %w", err)
	}
	return waitErr
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

		vals, err := q.client.BLPop(ctx, blockTimeout, q.waitingKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("queue: pop waiting job failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(vals) != 2 {
			continue
		}
		q.process(ctx, vals[1])
	}
}

func (q *Queue) process(ctx context.Context, jobID string) {
	if err := q.limiter.Wait(ctx); err != nil {
		// Shutdown interrupted the throttle wait. The id was already
		// popped, so push it back for the next run.
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
		defer cancel()
		if err := q.client.LPush(opCtx, q.waitingKey, jobID).Err(); err != nil {
			q.logger.Error("queue: requeue job failed", "job_id", jobID, "error", err)
		}
		return
	}

	_, err := claimScript.Run(ctx, q.client, []string{q.jobKey(jobID)}, q.prefix).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Replaced or removed since it was queued.
			return
		}
		q.logger.Warn("queue: claim job failed", "job_id", jobID, "error", err)
		return
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		q.logger.Warn("queue: load claimed job failed", "job_id", jobID, "error", err)
		return
	}
	q.settle(ctx, jobID, q.handler(ctx, job))
}

// settle records the outcome of one attempt. The writes run on a detached
// context so an outcome still lands when ctx was cancelled mid-handler.
func (q *Queue) settle(ctx context.Context, jobID string, handlerErr error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()

	if handlerErr == nil {
		keys := []string{q.jobKey(jobID)}
		if err := completeScript.Run(opCtx, q.client, keys, jobID, q.prefix, q.retention.Milliseconds()).Err(); err != nil {
			q.logger.Error("queue: complete job failed", "job_id", jobID, "error", err)
		}
		return
	}

	keys := []string{q.jobKey(jobID), q.delayedKey}
	res, err := retryScript.Run(opCtx, q.client, keys,
		jobID,
		q.prefix,
		q.retention.Milliseconds(),
		time.Now().UnixMilli(),
		handlerErr.Error(),
	).Int64()
	if err != nil {
		q.logger.Error("queue: record job failure", "job_id", jobID, "error", err)
		return
	}
	if res == 1 {
		q.logger.Warn("job attempt failed, retrying", "job_id", jobID, "error", handlerErr)
		return
	}
	q.logger.Error("job failed permanently", "job_id", jobID, "error", handlerErr)
}

// mover periodically promotes due delayed jobs to the waiting list.
func (q *Queue) mover(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
			keys := []string{q.delayedKey, q.waitingKey}
			err := moveDueScript.Run(ctx, q.client, keys, time.Now().UnixMilli(), moveBatch, q.prefix).Err()
			if err != nil && ctx.Err() == nil {
				q.logger.Warn("queue: move due jobs failed", "error", err)
			}
		}
	}
}

// ───────────────────────── parsing ─────────────────────────

func parseJob(jobID string, fields map[string]string) *queue.Job {
	j := &queue.Job{
		ID:          jobID,
		Name:        fields["name"],
		Payload:     []byte(fields["payload"]),
		State:       queue.State(fields["state"]),
		Attempts:    parseInt(fields["attempts"]),
		MaxAttempts: parseInt(fields["max_attempts"]),
		BackoffBase: time.Duration(parseInt(fields["backoff_base_ms"])) * time.Millisecond,
		DedupID:     fields["dedup_id"],
		LastError:   fields["last_error"],
	}
	if ms := parseInt(fields["first_queued_at_ms"]); ms > 0 {
		j.FirstQueuedAt = time.UnixMilli(int64(ms))
	}
	if ms := parseInt(fields["scheduled_at_ms"]); ms > 0 {
		j.ScheduledAt = time.UnixMilli(int64(ms))
	}
	return j
}

// parseInt tolerates float renderings since Lua arithmetic may store
// "4000.0" style values.
func parseInt(s string) int {
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
