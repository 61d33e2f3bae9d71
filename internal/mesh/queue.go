package mesh

import (
	"context"
	"sync"
)

// eventQueue is an unbounded FIFO of loop operations. Producers never block,
// so pion callback goroutines and bus delivery can always hand work over.
type eventQueue struct {
	mu     sync.Mutex
	items  []func(context.Context)
	ready  chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

// push appends fn. It reports false once the queue is closed.
func (q *eventQueue) push(fn func(context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest operation.
func (q *eventQueue) next() (func(context.Context), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
