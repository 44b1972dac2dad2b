// Package mock provides an in-memory test double for the [queue.Queue]
// contract.
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	q := &mock.Queue{}
//	q.AddResult = &queue.Job{ID: "extract:u1:abc", State: queue.StateDelayed}
//
//	// inject q into the system under test …
//
//	if got := q.CallCount("Add"); got != 1 {
//	    t.Errorf("expected 1 Add call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/engram/pkg/queue"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// calls is the shared recording core.
type calls struct {
	mu    sync.Mutex
	calls []Call
}

func (c *calls) record(method string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (c *calls) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (c *calls) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (c *calls) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Queue is a configurable test double for [queue.Queue].
type Queue struct {
	calls

	// AddResult is returned by [Queue.Add]. When nil, Add echoes a job
	// built from its arguments in the delayed or waiting state.
	AddResult *queue.Job

	// AddErr is returned by [Queue.Add] when non-nil.
	AddErr error

	// GetResult is returned by [Queue.Get]. When nil, Get returns
	// [queue.ErrJobNotFound].
	GetResult *queue.Job

	// GetErr is returned by [Queue.Get] when non-nil.
	GetErr error

	// GetByDedupIDResult is returned by [Queue.GetByDedupID]. When nil,
	// GetByDedupID returns [queue.ErrJobNotFound].
	GetByDedupIDResult *queue.Job

	// GetByDedupIDErr is returned by [Queue.GetByDedupID] when non-nil.
	GetByDedupIDErr error

	// PromoteErr is returned by [Queue.Promote] when non-nil.
	PromoteErr error

	// RemoveDedupKeyErr is returned by [Queue.RemoveDedupKey] when non-nil.
	RemoveDedupKeyErr error

	// StartErr is returned by [Queue.Start] when non-nil.
	StartErr error

	// CloseErr is returned by [Queue.Close] when non-nil.
	CloseErr error

	// PingErr is returned by [Queue.Ping] when non-nil.
	PingErr error

	mu      sync.Mutex
	handler queue.Handler
}

var _ queue.Queue = (*Queue)(nil)

// Add implements [queue.Queue].
func (m *Queue) Add(_ context.Context, name string, payload []byte, opts queue.AddOpts) (*queue.Job, error) {
	m.record("Add", name, payload, opts)
	if m.AddErr != nil {
		return nil, m.AddErr
	}
	if m.AddResult != nil {
		cp := *m.AddResult
		return &cp, nil
	}

	now := time.Now()
	j := &queue.Job{
		ID:            opts.JobID,
		Name:          name,
		Payload:       payload,
		State:         queue.StateWaiting,
		MaxAttempts:   opts.MaxAttempts,
		BackoffBase:   opts.BackoffBase,
		FirstQueuedAt: now,
		ScheduledAt:   now.Add(opts.Delay),
	}
	if j.ID == "" {
		j.ID = "job-1"
	}
	if opts.Delay > 0 {
		j.State = queue.StateDelayed
	}
	if opts.Dedup != nil {
		j.DedupID = opts.Dedup.ID
	}
	return j, nil
}

// Get implements [queue.Queue].
func (m *Queue) Get(_ context.Context, jobID string) (*queue.Job, error) {
	m.record("Get", jobID)
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if m.GetResult == nil {
		return nil, queue.ErrJobNotFound
	}
	cp := *m.GetResult
	return &cp, nil
}

// GetByDedupID implements [queue.Queue].
func (m *Queue) GetByDedupID(_ context.Context, dedupID string) (*queue.Job, error) {
	m.record("GetByDedupID", dedupID)
	if m.GetByDedupIDErr != nil {
		return nil, m.GetByDedupIDErr
	}
	if m.GetByDedupIDResult == nil {
		return nil, queue.ErrJobNotFound
	}
	cp := *m.GetByDedupIDResult
	return &cp, nil
}

// Promote implements [queue.Queue].
func (m *Queue) Promote(_ context.Context, jobID string) error {
	m.record("Promote", jobID)
	return m.PromoteErr
}

// RemoveDedupKey implements [queue.Queue].
func (m *Queue) RemoveDedupKey(_ context.Context, dedupID string) error {
	m.record("RemoveDedupKey", dedupID)
	return m.RemoveDedupKeyErr
}

// Subscribe implements [queue.Queue]. The handler is retained and can be
// driven directly with [Queue.Dispatch].
func (m *Queue) Subscribe(h queue.Handler) {
	m.record("Subscribe")
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Start implements [queue.Queue].
func (m *Queue) Start(_ context.Context) error {
	m.record("Start")
	return m.StartErr
}

// Close implements [queue.Queue].
func (m *Queue) Close(_ context.Context) error {
	m.record("Close")
	return m.CloseErr
}

// Ping implements [queue.Queue].
func (m *Queue) Ping(_ context.Context) error {
	m.record("Ping")
	return m.PingErr
}

// Dispatch invokes the subscribed handler with the given job, simulating a
// worker claim. It returns the handler's error, or nil when nothing is
// subscribed.
func (m *Queue) Dispatch(ctx context.Context, job *queue.Job) error {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, job)
}
