package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/engram/internal/scheduler"
	memorymock "github.com/MrWong99/engram/pkg/memory/mock"
	"github.com/MrWong99/engram/pkg/queue"
	queuemock "github.com/MrWong99/engram/pkg/queue/mock"
)

func TestSweepNowSchedulesEveryPendingUser(t *testing.T) {
	q := &queuemock.Queue{}
	store := &memorymock.ConversationStore{PendingUsersResult: []string{"u1", "u2"}}
	s := scheduler.New(q, testConfig(), nil, nil)
	sw := scheduler.NewSweeper(store, s, time.Hour, nil)

	sw.SweepNow(context.Background())

	var dedupIDs []string
	for _, c := range q.Calls() {
		if c.Method != "Add" {
			continue
		}
		opts := c.Args[2].(queue.AddOpts)
		if opts.Dedup != nil {
			dedupIDs = append(dedupIDs, opts.Dedup.ID)
		}
	}
	want := []string{"extract:u1", "extract:u2"}
	if len(dedupIDs) != len(want) {
		t.Fatalf("scheduled dedup keys = %v, want %v", dedupIDs, want)
	}
	for i := range want {
		if dedupIDs[i] != want[i] {
			t.Fatalf("scheduled dedup keys = %v, want %v", dedupIDs, want)
		}
	}
}

func TestSweepNowToleratesStoreFailure(t *testing.T) {
	q := &queuemock.Queue{}
	store := &memorymock.ConversationStore{PendingUsersErr: errors.New("db down")}
	s := scheduler.New(q, testConfig(), nil, nil)
	sw := scheduler.NewSweeper(store, s, time.Hour, nil)

	sw.SweepNow(context.Background())

	if got := q.CallCount("Add"); got != 0 {
		t.Errorf("Add called %d times after store failure, want 0", got)
	}
}

func TestSweepNowContinuesPastScheduleFailure(t *testing.T) {
	q := &queuemock.Queue{AddErr: errors.New("redis unreachable")}
	store := &memorymock.ConversationStore{PendingUsersResult: []string{"u1", "u2"}}
	s := scheduler.New(q, testConfig(), nil, nil)
	sw := scheduler.NewSweeper(store, s, time.Hour, nil)

	sw.SweepNow(context.Background())

	// A failing Schedule for one user must not starve the rest.
	if got := q.CallCount("Add"); got != 2 {
		t.Errorf("Add called %d times, want one attempt per user", got)
	}
}

func TestSweeperStartRunsImmediatePass(t *testing.T) {
	q := &queuemock.Queue{}
	store := &memorymock.ConversationStore{PendingUsersResult: []string{"u1"}}
	s := scheduler.New(q, testConfig(), nil, nil)
	sw := scheduler.NewSweeper(store, s, time.Hour, nil)

	sw.Start(context.Background())
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for store.CallCount("PendingUsers") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never ran its startup pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSweeperTicks(t *testing.T) {
	q := &queuemock.Queue{}
	store := &memorymock.ConversationStore{}
	s := scheduler.New(q, testConfig(), nil, nil)
	sw := scheduler.NewSweeper(store, s, 15*time.Millisecond, nil)

	sw.Start(context.Background())
	defer sw.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for store.CallCount("PendingUsers") < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper ran %d passes, want at least 3", store.CallCount("PendingUsers"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	store := &memorymock.ConversationStore{}
	s := scheduler.New(&queuemock.Queue{}, testConfig(), nil, nil)
	sw := scheduler.NewSweeper(store, s, time.Hour, nil)

	// Stop before Start and repeated Stop must both be safe.
	sw.Stop()
	sw.Stop()
}
