// Package resilience keeps the daemon's provider gateways usable when
// individual backends misbehave.
//
// A [Breaker] is a three-state circuit breaker: it trips open after a run of
// consecutive failures, rejects calls while open, and probes the backend
// again after a cooldown. A [Chain] strings several providers of one kind
// together, each behind its own breaker, so a call falls through to the
// first healthy entry. [LLMFallback] and [EmbeddingsFallback] wrap chains in
// the provider interfaces the rest of the daemon consumes.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is a breaker's position in its trip cycle.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. The zero value gets sensible defaults.
type BreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// FailureThreshold is how many consecutive failures trip the breaker
	// open. Defaults to 5.
	FailureThreshold int

	// ResetTimeout is the cooldown before a tripped breaker admits probe
	// calls again. Defaults to 30 seconds.
	ResetTimeout time.Duration

	// ProbeBudget is how many consecutive probe successes close a
	// half-open breaker, and also caps how many probes may be in flight
	// at once. A single probe failure re-opens it. Defaults to 3.
	ProbeBudget int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Breaker guards calls to one backend. It is safe for concurrent use.
type Breaker struct {
	name     string
	trip     int
	cooldown time.Duration
	budget   int
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last tripped
	inflight int       // probes admitted since becoming half-open
	probes   int       // probe successes since becoming half-open
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:     cfg.Name,
		trip:     cfg.FailureThreshold,
		cooldown: cfg.ResetTimeout,
		budget:   cfg.ProbeBudget,
		logger:   cfg.Logger,
	}
}

// Do runs fn when the breaker admits the call and feeds the outcome back
// into the trip cycle. While open it returns [ErrBreakerOpen] without
// invoking fn; while half-open only the probe budget's worth of calls get
// through.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn()
	b.observe(probe, err)
	return err
}

// allow decides whether a call may proceed and whether it counts as a probe.
func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return false, ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.inflight = 0
		b.probes = 0
		b.logger.Info("breaker half-open, probing backend", "breaker", b.name)
	}
	if b.inflight >= b.budget {
		return false, ErrBreakerOpen
	}
	b.inflight++
	return true, nil
}

// observe updates the trip cycle with a call's outcome.
func (b *Breaker) observe(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		if probe {
			// A half-open breaker tolerates no failures.
			b.state = StateOpen
			b.openedAt = time.Now()
			b.logger.Warn("breaker re-opened, probe failed", "breaker", b.name, "error", err)
			return
		}
		b.failures++
		if b.state == StateClosed && b.failures >= b.trip {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.logger.Warn("breaker opened", "breaker", b.name, "failures", b.failures)
		}
		return
	}

	if probe {
		b.probes++
		if b.probes >= b.budget {
			b.state = StateClosed
			b.failures = 0
			b.logger.Info("breaker closed, backend recovered", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's position. An open breaker whose cooldown has
// elapsed reports half-open; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.inflight = 0
	b.probes = 0
}
