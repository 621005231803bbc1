// Package dispatch runs callbacks in order on a dedicated goroutine.
package dispatch

import "sync"

// Queue delivers pushed functions one at a time, in push order, on its own
// goroutine. Push never blocks on a running callback, and Close never waits
// for one to return.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	// final is set by Finish; the queue exits once pending is drained.
	final   bool
	wake    chan struct{}
	done    chan struct{}
}

// New starts a queue.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push schedules fn. It reports false once the queue is closed or finishing.
func (q *Queue) Push(fn func()) bool {
	q.mu.Lock()
	if q.closed || q.final {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Finish schedules fn as the last callback. Work pushed earlier still runs
// first, then the delivery goroutine exits. Close before fn starts drops it.
func (q *Queue) Finish(fn func()) bool {
	q.mu.Lock()
	if q.closed || q.final {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.final = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Close drops everything not yet started. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the delivery goroutine has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			final := q.final
			q.mu.Unlock()
			if final {
				return
			}
			<-q.wake
			continue
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}
