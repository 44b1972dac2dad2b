package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/engram/pkg/memory"
)

// defaultSweepInterval is the default period between pending sweeps.
const defaultSweepInterval = 5 * time.Minute

// Sweeper periodically re-schedules every user that still has unextracted
// messages. Queued jobs do not always survive a restart (the in-process
// backend loses them, Redis can be flushed), while the messages themselves
// are durable; the sweep closes that gap so no user's backlog stalls forever.
//
// Re-scheduling a user who already has a job is harmless: the call coalesces
// into the existing job through the dedup key.
type Sweeper struct {
	store     memory.ConversationStore
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// NewSweeper returns a Sweeper feeding s from store. interval <= 0 selects
// the 5 minute default; logger may be nil ([slog.Default]).
func NewSweeper(store memory.ConversationStore, s *Scheduler, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		scheduler: s,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins periodic sweeping in a background goroutine, with one
// immediate pass so restarts pick up orphaned work promptly. The goroutine
// runs until [Sweeper.Stop] is called or ctx is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	go sw.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() {
		close(sw.done)
	})
}

func (sw *Sweeper) loop(ctx context.Context) {
	sw.SweepNow(ctx)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.done:
			return
		case <-ticker.C:
			sw.SweepNow(ctx)
		}
	}
}

// SweepNow runs one sweep pass immediately: list users with pending messages
// and schedule extraction for each. Failures are logged, not returned; the
// next tick retries.
func (sw *Sweeper) SweepNow(ctx context.Context) {
	users, err := sw.store.PendingUsers(ctx)
	if err != nil {
		sw.logger.Warn("pending sweep failed", "error", err)
		return
	}
	for _, userID := range users {
		if err := sw.scheduler.Schedule(ctx, userID); err != nil {
			sw.logger.Warn("pending sweep could not schedule user",
				"user_id", userID,
				"error", err)
		}
	}
	if len(users) > 0 {
		sw.logger.Debug("pending sweep scheduled users", "users", len(users))
	}
}
