// Package bus provides signaling bus implementations. The in-process Network
// lives here; networked variants live in subpackages.
package bus

import (
	"errors"
	"sync"

	"github.com/dkeye/meshcall/internal/signal"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("bus closed")
)

// Fanout keeps the handler set of one bus endpoint.
type Fanout struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(signal.Message)
}

func (f *Fanout) Subscribe(fn func(signal.Message)) func() {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]func(signal.Message))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Deliver calls every handler with msg, outside the lock.
func (f *Fanout) Deliver(msg signal.Message) {
	f.mu.RLock()
	handlers := make([]func(signal.Message), 0, len(f.subs))
	for _, fn := range f.subs {
		handlers = append(handlers, fn)
	}
	f.mu.RUnlock()
	for _, fn := range handlers {
		fn(msg)
	}
}
