package promise

import (
	"context"
	"sync"
)

// ----------------------------
// One-Shot Promise
// ----------------------------

// Promise is a one-shot completion signal. It is completed with a value or
// failed with an error exactly once; later completions are no-ops.
//
// Producers call Complete or Fail. Consumers either block on Await or select
// on Done() and then read Value().
type Promise[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
}

// New creates an incomplete Promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete resolves the promise with a value.
// Returns false if the promise was already completed or failed.
func (p *Promise[T]) Complete(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return false
	}
	p.value = v
	p.completed = true
	close(p.done)
	return true
}

// Fail resolves the promise with an error.
// Returns false if the promise was already completed or failed.
func (p *Promise[T]) Fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return false
	}
	p.err = err
	p.completed = true
	close(p.done)
	return true
}

// Completed reports whether the promise has been resolved.
func (p *Promise[T]) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Done returns a channel that is closed when the promise resolves.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Value returns the result of a resolved promise.
// The zero value and a nil error are returned while the promise is pending;
// callers should wait on Done or use Await instead of polling.
func (p *Promise[T]) Value() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Await blocks until the promise resolves or the context is cancelled.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Value()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
