package bus

import (
	"context"
	"sync"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
	"github.com/rs/zerolog/log"
)

const endpointBuffer = 256

// Network is an in-process broadcast medium with any number of topics.
// Each Join returns an isolated endpoint; tests create one Network per case.
type Network struct {
	mu     sync.RWMutex
	topics map[domain.TopicName]map[*Endpoint]struct{}
}

func NewNetwork() *Network {
	return &Network{topics: make(map[domain.TopicName]map[*Endpoint]struct{})}
}

// Join attaches a new endpoint to topic.
func (n *Network) Join(topic domain.TopicName) *Endpoint {
	e := &Endpoint{
		net:   n,
		topic: topic,
		inbox: make(chan signal.Message, endpointBuffer),
		done:  make(chan struct{}),
	}
	n.mu.Lock()
	members, ok := n.topics[topic]
	if !ok {
		members = make(map[*Endpoint]struct{})
		n.topics[topic] = members
	}
	members[e] = struct{}{}
	n.mu.Unlock()

	go e.deliverLoop()
	log.Debug().Str("module", "bus.memory").Str("topic", string(topic)).Msg("endpoint joined")
	return e
}

func (n *Network) leave(e *Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	members := n.topics[e.topic]
	delete(members, e)
	if len(members) == 0 {
		delete(n.topics, e.topic)
	}
}

// broadcast hands msg to every endpoint of topic except from.
func (n *Network) broadcast(from *Endpoint, msg signal.Message) (sent, dropped int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for e := range n.topics[from.topic] {
		if e == from {
			continue
		}
		if err := e.trySend(msg); err != nil {
			dropped++
			continue
		}
		sent++
	}
	return sent, dropped
}

// Endpoint implements core.Bus on a Network topic. Messages are delivered to
// handlers on a dedicated goroutine in publish order.
type Endpoint struct {
	net   *Network
	topic domain.TopicName
	subs  Fanout

	mu     sync.RWMutex
	closed bool
	inbox  chan signal.Message
	done   chan struct{}
}

func (e *Endpoint) trySend(msg signal.Message) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.inbox <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.inbox:
			e.subs.Deliver(msg)
		}
	}
}

func (e *Endpoint) Publish(ctx context.Context, msg signal.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	sent, dropped := e.net.broadcast(e, msg)
	log.Debug().
		Str("module", "bus.memory").
		Str("topic", string(e.topic)).
		Str("type", string(msg.Type)).
		Int("sent_to", sent).
		Int("dropped", dropped).
		Msg("publish")
	if dropped > 0 {
		return ErrBackpressure
	}
	return nil
}

func (e *Endpoint) Subscribe(fn func(signal.Message)) func() {
	return e.subs.Subscribe(fn)
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()
	e.net.leave(e)
	return nil
}
