package promise

import (
	"sync"
	"sync/atomic"
)

// Item is a single stream delivery: either a value or an error, never both.
type Item[T any] struct {
	Value T
	Err   error
}

// Stream is a bounded multi-shot completion signal with overwrite-oldest
// semantics.
//
// It wraps a buffered channel and ensures producers never block: if the
// buffer is full, the oldest undelivered item is discarded. A slow consumer
// therefore observes the most recent window of items rather than stalling
// the producer.
//
// Errors are delivered in-band as items with Err set; the stream stays open
// after an error so later items can still flow.
type Stream[T any] struct {
	ch     chan Item[T]
	closed atomic.Bool

	mu sync.Mutex // serializes Send/Fail against Close

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewStream creates a Stream with the given buffer capacity.
func NewStream[T any](capacity int) *Stream[T] {
	if capacity <= 0 {
		panic("promise: stream capacity must be > 0")
	}
	return &Stream[T]{ch: make(chan Item[T], capacity)}
}

// C returns the receive side of the stream.
// Consumers can range over it until the stream is closed.
func (s *Stream[T]) C() <-chan Item[T] {
	return s.ch
}

// Send delivers a value, discarding the oldest buffered item if the stream
// is full. Returns false if the stream is closed.
func (s *Stream[T]) Send(v T) bool {
	return s.send(Item[T]{Value: v})
}

// Fail delivers an error item, discarding the oldest buffered item if the
// stream is full. Returns false if the stream is closed.
func (s *Stream[T]) Fail(err error) bool {
	return s.send(Item[T]{Err: err})
}

func (s *Stream[T]) send(item Item[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- item:
	default:
		select {
		case <-s.ch: // drop oldest
			s.dropped.Add(1)
		default:
		}
		s.ch <- item
	}
	s.delivered.Add(1)
	return true
}

// Close closes the stream. Buffered items remain readable; further sends
// are rejected. Safe to call more than once.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Closed reports whether the stream has been closed.
func (s *Stream[T]) Closed() bool {
	return s.closed.Load()
}

// Delivered returns the number of items accepted by the stream.
func (s *Stream[T]) Delivered() uint64 {
	return s.delivered.Load()
}

// Dropped returns the number of items discarded due to a full buffer.
func (s *Stream[T]) Dropped() uint64 {
	return s.dropped.Load()
}
