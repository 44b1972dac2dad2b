package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [Chain] could serve a call.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [Chain]: one breaker profile applied to every
// entry, and the logger failover decisions are reported to.
type FallbackConfig struct {
	Breaker BreakerConfig
	Logger  *slog.Logger
}

// link is one provider in a chain, guarded by its own breaker.
type link[T any] struct {
	name     string
	provider T
	breaker  *Breaker
}

// Chain tries a primary provider first and falls through to fallbacks in
// registration order. Entries whose breaker is open are skipped without a
// call. Assemble the chain fully before use; Add is not synchronised with
// in-flight calls.
type Chain[T any] struct {
	links  []link[T]
	cfg    BreakerConfig
	logger *slog.Logger
}

// NewChain returns a chain with primary as its first entry.
func NewChain[T any](primary T, name string, cfg FallbackConfig) *Chain[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Chain[T]{cfg: cfg.Breaker, logger: cfg.Logger}
	c.Add(name, primary)
	return c
}

// Add appends a fallback tried after every earlier entry.
func (c *Chain[T]) Add(name string, provider T) {
	bc := c.cfg
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = c.logger
	}
	c.links = append(c.links, link[T]{
		name:     name,
		provider: provider,
		breaker:  NewBreaker(bc),
	})
}

// Primary returns the first entry's provider, for static metadata such as
// model identifiers.
func (c *Chain[T]) Primary() T {
	return c.links[0].provider
}

// Execute runs fn against each entry of the chain in order until one
// succeeds. Entries with an open breaker are skipped, and every failure is
// fed back into that entry's breaker. When no entry succeeds the last error
// is wrapped in [ErrAllFailed].
func Execute[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range c.links {
		l := &c.links[i]
		var out R
		err := l.breaker.Do(func() error {
			var callErr error
			out, callErr = fn(l.provider)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			c.logger.Debug("provider skipped, breaker open", "provider", l.name)
			continue
		}
		c.logger.Warn("provider call failed, falling back", "provider", l.name, "error", err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
