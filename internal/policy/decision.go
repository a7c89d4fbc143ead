// Package policy defines the contract between the dispatch engine and the
// externally supplied decision functions that configure it.
package policy

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNoOpinion is returned by Chain.Resolve when every handler declined.
	// Callers treat it as a request to apply their own default.
	ErrNoOpinion = errors.New("no handler provided a definitive answer")

	// ErrReject marks a handler error as a permanent failure for the
	// message being evaluated.
	ErrReject = errors.New("rejected by policy")
)

// Decision is the answer of a single handler: either a definitive value or
// an explicit "no opinion" signal.
type Decision[T any] struct {
	value      T
	definitive bool
}

// Definitive wraps v as a final answer
func Definitive[T any](v T) Decision[T] {
	return Decision[T]{value: v, definitive: true}
}

// NoOpinion declines to answer
func NoOpinion[T any]() Decision[T] {
	return Decision[T]{}
}

// Get returns the value and whether it is definitive
func (d Decision[T]) Get() (T, bool) {
	return d.value, d.definitive
}

// IsDefinitive reports whether the handler answered
func (d Decision[T]) IsDefinitive() bool {
	return d.definitive
}

// Handler evaluates arg and returns a decision
type Handler[A, T any] func(ctx context.Context, arg A) (Decision[T], error)

// Chain is an ordered list of handlers. The first definitive answer wins.
type Chain[A, T any] struct {
	mu       sync.RWMutex
	handlers []Handler[A, T]
}

// Register appends h; handlers run in registration order
func (c *Chain[A, T]) Register(h Handler[A, T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Len returns the number of registered handlers
func (c *Chain[A, T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// Resolve calls handlers in order and stops at the first definitive
// decision or the first error.
func (c *Chain[A, T]) Resolve(ctx context.Context, arg A) (T, error) {
	c.mu.RLock()
	handlers := append([]Handler[A, T](nil), c.handlers...)
	c.mu.RUnlock()

	var zero T
	for _, h := range handlers {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		d, err := h(ctx, arg)
		if err != nil {
			return zero, err
		}
		if v, ok := d.Get(); ok {
			return v, nil
		}
	}
	return zero, ErrNoOpinion
}

// Reject wraps err so that errors.Is(err, ErrReject) holds
func Reject(err error) error {
	if err == nil {
		return ErrReject
	}
	return &rejectError{err: err}
}

type rejectError struct {
	err error
}

func (e *rejectError) Error() string { return e.err.Error() }

func (e *rejectError) Unwrap() []error { return []error{ErrReject, e.err} }
