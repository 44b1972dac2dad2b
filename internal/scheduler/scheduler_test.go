package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/engram/internal/scheduler"
	"github.com/MrWong99/engram/pkg/queue"
	queuemock "github.com/MrWong99/engram/pkg/queue/mock"
)

func testConfig() scheduler.Config {
	return scheduler.Config{
		Debounce:    10 * time.Second,
		MaxWait:     5 * time.Minute,
		MaxAttempts: 4,
		BackoffBase: 2 * time.Second,
	}
}

// addOpts returns the AddOpts of the single expected Add call.
func addOpts(t *testing.T, q *queuemock.Queue) queue.AddOpts {
	t.Helper()
	for _, c := range q.Calls() {
		if c.Method == "Add" {
			return c.Args[2].(queue.AddOpts)
		}
	}
	t.Fatal("Add was never called")
	return queue.AddOpts{}
}

func TestDedupID(t *testing.T) {
	if got := scheduler.DedupID("u1"); got != "extract:u1" {
		t.Errorf("DedupID(u1) = %q, want %q", got, "extract:u1")
	}
}

func TestScheduleRequiresUserID(t *testing.T) {
	q := &queuemock.Queue{}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), ""); err == nil {
		t.Error("Schedule with empty user id succeeded, want error")
	}
	if got := q.CallCount("Add"); got != 0 {
		t.Errorf("Add called %d times, want 0", got)
	}
}

func TestScheduleEnqueuesDebouncedJob(t *testing.T) {
	q := &queuemock.Queue{}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), "u7"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	calls := q.Calls()
	if len(calls) != 1 || calls[0].Method != "Add" {
		t.Fatalf("calls = %v, want a single Add", calls)
	}
	if name := calls[0].Args[0].(string); name != scheduler.JobName {
		t.Errorf("job name = %q, want %q", name, scheduler.JobName)
	}
	if payload := string(calls[0].Args[1].([]byte)); payload != `{"user_id":"u7"}` {
		t.Errorf("job payload = %s", payload)
	}

	opts := addOpts(t, q)
	if !strings.HasPrefix(opts.JobID, "extract:u7:") {
		t.Errorf("job id = %q, want the dedup key as prefix", opts.JobID)
	}
	if opts.Delay != 10*time.Second {
		t.Errorf("delay = %v, want the debounce", opts.Delay)
	}
	if opts.MaxAttempts != 4 || opts.BackoffBase != 2*time.Second {
		t.Errorf("retry profile = %d/%v, want 4/2s", opts.MaxAttempts, opts.BackoffBase)
	}
	if opts.Dedup == nil {
		t.Fatal("Add without dedup options")
	}
	if opts.Dedup.ID != "extract:u7" {
		t.Errorf("dedup id = %q, want %q", opts.Dedup.ID, "extract:u7")
	}
	if opts.Dedup.TTL != opts.Delay {
		t.Errorf("dedup TTL = %v, want matched to the delay %v", opts.Dedup.TTL, opts.Delay)
	}
	if !opts.Dedup.Replace || !opts.Dedup.Extend {
		t.Errorf("dedup flags Replace=%v Extend=%v, want both true", opts.Dedup.Replace, opts.Dedup.Extend)
	}
}

func TestScheduleFreshJobIsNotPromoted(t *testing.T) {
	// Echoed job: FirstQueuedAt is now, far from MaxWait.
	q := &queuemock.Queue{}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), "u7"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := q.CallCount("RemoveDedupKey"); got != 0 {
		t.Errorf("RemoveDedupKey called %d times for a fresh job, want 0", got)
	}
	if got := q.CallCount("Promote"); got != 0 {
		t.Errorf("Promote called %d times for a fresh job, want 0", got)
	}
}

func TestScheduleCoalescesIntoPostponedJob(t *testing.T) {
	q := &queuemock.Queue{
		AddResult: &queue.Job{
			ID:            "extract:u7:earlier",
			State:         queue.StateDelayed,
			FirstQueuedAt: time.Now().Add(-time.Minute),
		},
	}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), "u7"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// One minute pending is under the five minute bound.
	if got := q.CallCount("Promote"); got != 0 {
		t.Errorf("Promote called %d times, want 0", got)
	}
}

func TestSchedulePromotesOverdueJob(t *testing.T) {
	q := &queuemock.Queue{
		AddResult: &queue.Job{
			ID:            "extract:u7:earlier",
			State:         queue.StateDelayed,
			FirstQueuedAt: time.Now().Add(-10 * time.Minute),
		},
	}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), "u7"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	var methods []string
	for _, c := range q.Calls() {
		methods = append(methods, c.Method)
	}
	want := []string{"Add", "RemoveDedupKey", "Promote"}
	if len(methods) != len(want) {
		t.Fatalf("calls = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("calls = %v, want %v", methods, want)
		}
	}

	calls := q.Calls()
	if key := calls[1].Args[0].(string); key != "extract:u7" {
		t.Errorf("released dedup key %q, want %q", key, "extract:u7")
	}
	if id := calls[2].Args[0].(string); id != "extract:u7:earlier" {
		t.Errorf("promoted job %q, want the overdue job", id)
	}
}

func TestScheduleActiveRunIsLeftAlone(t *testing.T) {
	q := &queuemock.Queue{
		AddResult: &queue.Job{
			ID:            "extract:u7:earlier",
			State:         queue.StateActive,
			FirstQueuedAt: time.Now().Add(-time.Minute),
		},
	}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), "u7"); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := q.CallCount("Promote"); got != 0 {
		t.Errorf("Promote called %d times while a run is active, want 0", got)
	}
	if got := q.CallCount("RemoveDedupKey"); got != 0 {
		t.Errorf("RemoveDedupKey called %d times while a run is active, want 0", got)
	}
}

func TestSchedulePromoteToleratesVanishedJob(t *testing.T) {
	q := &queuemock.Queue{
		AddResult: &queue.Job{
			ID:            "extract:u7:earlier",
			State:         queue.StateDelayed,
			FirstQueuedAt: time.Now().Add(-10 * time.Minute),
		},
		PromoteErr: fmt.Errorf("%w: %q", queue.ErrJobNotFound, "extract:u7:earlier"),
	}
	s := scheduler.New(q, testConfig(), nil, nil)

	// The job finished between Add and Promote; that is not an error.
	if err := s.Schedule(context.Background(), "u7"); err != nil {
		t.Errorf("Schedule returned %v, want nil", err)
	}
}

func TestScheduleEnqueueFailure(t *testing.T) {
	sentinel := errors.New("redis unreachable")
	q := &queuemock.Queue{AddErr: sentinel}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), "u7"); !errors.Is(err, sentinel) {
		t.Errorf("Schedule returned %v, want %v", err, sentinel)
	}
}

func TestScheduleReleaseFailure(t *testing.T) {
	sentinel := errors.New("redis unreachable")
	q := &queuemock.Queue{
		AddResult: &queue.Job{
			ID:            "extract:u7:earlier",
			State:         queue.StateDelayed,
			FirstQueuedAt: time.Now().Add(-10 * time.Minute),
		},
		RemoveDedupKeyErr: sentinel,
	}
	s := scheduler.New(q, testConfig(), nil, nil)

	if err := s.Schedule(context.Background(), "u7"); !errors.Is(err, sentinel) {
		t.Errorf("Schedule returned %v, want %v", err, sentinel)
	}
}
