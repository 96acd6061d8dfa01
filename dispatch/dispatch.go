// Package dispatch provides the serial context results are delivered on.
package dispatch

import "sync"

// Dispatcher schedules fn to run later on its own context.
type Dispatcher interface {
	Dispatch(fn func())
}

// Queue runs submitted functions one at a time, in submission order,
// on a single goroutine. Dispatch never blocks and never runs fn inline.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue starts a queue.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Dispatch enqueues fn. Calls after Close are dropped.
func (q *Queue) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting work and waits until queued work has run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
