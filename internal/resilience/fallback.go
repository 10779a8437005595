package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every backend of a [Chain] failed or was
// skipped by its breaker.
var ErrExhausted = errors.New("resilience: all backends failed")

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds interchangeable backends in priority order, each behind its
// own [Breaker] built from a shared config.
type Chain[T any] struct {
	cfg   BreakerConfig
	links []link[T]
}

// NewChain returns an empty chain. cfg.Name is replaced by each backend's
// name.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend. Call Add before the chain is shared.
func (c *Chain[T]) Add(name string, v T) *Chain[T] {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, value: v, breaker: NewBreaker(cfg)})
	return c
}

// Breaker returns the breaker guarding the named backend, or nil.
func (c *Chain[T]) Breaker(name string) *Breaker {
	for i := range c.links {
		if c.links[i].name == name {
			return c.links[i].breaker
		}
	}
	return nil
}

// Do calls fn on each backend in order until one returns a result. An error
// accepted by the chain's Ignore func is a definitive answer and is returned
// without trying the next backend.
func Do[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.links {
		l := &c.links[i]
		var res R
		err := l.breaker.Do(func() error {
			var err error
			res, err = fn(l.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		if c.cfg.Ignore != nil && c.cfg.Ignore(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping backend", "backend", l.name)
			continue
		}
		slog.Warn("resilience: backend failed, trying next", "backend", l.name, "err", err)
	}
	if lastErr == nil {
		return zero, ErrExhausted
	}
	return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}
