// Package serial provides a per-session run loop: a single goroutine that
// executes submitted funcs in FIFO order. All mutable session state is owned
// by its loop, which gives mutual exclusion without explicit locks around
// every field. Transport callbacks, timer firings and public API calls are
// all marshaled onto the loop before touching shared state.
package serial

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blelink/internal/groutine"
)

// DefaultQueueDepth bounds how many submitted funcs may be waiting at once.
// Submitters block on a full queue, which is a bounded fast rendezvous, not
// an unbounded buffer.
const DefaultQueueDepth = 64

// Loop is a serialized execution context.
//
// Funcs submitted via Do and Call run one at a time, in submission order, on
// the loop's own goroutine. Call must never be used from a func already
// running on the loop; it would wait for itself.
type Loop struct {
	tasks chan func()
	quit  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewLoop creates and starts a loop. The name shows up as a pprof label on
// the loop goroutine.
func NewLoop(name string) *Loop {
	l := &Loop{
		tasks: make(chan func(), DefaultQueueDepth),
		quit:  make(chan struct{}),
	}
	groutine.Go(context.Background(), name, func(context.Context) {
		l.run()
	})
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			// Drain whatever was queued before Close so no submitted
			// work is silently lost.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Do submits fn for asynchronous execution on the loop.
// Returns false if the loop is closed; fn is not executed in that case.
func (l *Loop) Do(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Call submits fn and blocks until it has run on the loop. Used by public
// accessors that need a consistent read of loop-owned state.
// Returns false if the loop is closed; fn is not executed in that case.
func (l *Loop) Call(fn func()) bool {
	done := make(chan struct{})
	if !l.Do(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// After schedules fn to run on the loop after d. The registration itself is
// non-blocking; when the timer fires, fn is enqueued like any other task.
// Deferred funcs must validate their own preconditions (sequence counters,
// handle presence) because arbitrary work may have run in the meantime.
func (l *Loop) After(d time.Duration, fn func()) *time.Timer {
	if d <= 0 {
		l.Do(fn)
		return nil
	}
	return time.AfterFunc(d, func() {
		l.Do(fn)
	})
}

// Close stops the loop after the currently queued tasks finish.
// Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.quit)
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
