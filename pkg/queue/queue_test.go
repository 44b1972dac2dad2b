package queue_test

import (
	"testing"
	"time"

	"github.com/MrWong99/engram/pkg/queue"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{"first retry waits the base", 2 * time.Second, 1, 2 * time.Second},
		{"second retry doubles", 2 * time.Second, 2, 4 * time.Second},
		{"third retry doubles again", 2 * time.Second, 3, 8 * time.Second},
		{"zero base disables backoff", 0, 3, 0},
		{"negative base disables backoff", -time.Second, 2, 0},
		{"zero attempt yields no delay", time.Second, 0, 0},
		{"negative attempt yields no delay", time.Second, -4, 0},
		{"shift is capped", time.Millisecond, 64, time.Millisecond << 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := queue.BackoffDelay(tc.base, tc.attempt); got != tc.want {
				t.Errorf("BackoffDelay(%v, %d) = %v, want %v", tc.base, tc.attempt, got, tc.want)
			}
		})
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[queue.State]bool{
		queue.StateDelayed:   false,
		queue.StateWaiting:   false,
		queue.StateActive:    false,
		queue.StateCompleted: true,
		queue.StateFailed:    true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("State(%q).Terminal() = %v, want %v", state, got, want)
		}
	}
}
