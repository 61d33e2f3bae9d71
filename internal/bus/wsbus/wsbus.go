// Package wsbus implements the signaling bus over a websocket hub topic.
package wsbus

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/bus"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer = 256
	writeWait  = 5 * time.Second
)

// Bus is a hub client. The hub relays every frame to the other clients of
// the topic, so the publisher never sees its own messages.
type Bus struct {
	topic domain.TopicName
	conn  *websocket.Conn
	subs  bus.Fanout
	send  chan []byte

	quitOnce  sync.Once
	quit      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to hubURL/<topic>, e.g. ws://localhost:8080/api/ws.
func Dial(ctx context.Context, hubURL string, topic domain.TopicName) (*Bus, error) {
	endpoint := strings.TrimRight(hubURL, "/") + "/" + url.PathEscape(string(topic))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", endpoint, err)
	}
	b := &Bus{
		topic: topic,
		conn:  conn,
		send:    make(chan []byte, sendBuffer),
		quit:    make(chan struct{}),
		flushed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.writePump()
	go b.readPump()
	log.Info().Str("module", "bus.ws").Str("endpoint", endpoint).Msg("connected")
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, msg signal.Message) error {
	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-b.quit:
		return bus.ErrClosed
	case <-b.done:
		return bus.ErrClosed
	default:
	}
	select {
	case b.send <- data:
		return nil
	case <-b.quit:
		return bus.ErrClosed
	case <-b.done:
		return bus.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn. Handlers run on the read goroutine in arrival order.
func (b *Bus) Subscribe(fn func(signal.Message)) func() {
	return b.subs.Subscribe(fn)
}

// Done is closed when the connection ends.
func (b *Bus) Done() <-chan struct{} { return b.done }

// Err returns why the connection ended, nil after Close.
func (b *Bus) Err() error {
	<-b.done
	return b.err
}

// Close writes the frames already queued by Publish, sends a close frame
// and drops the connection.
func (b *Bus) Close() error {
	b.quitOnce.Do(func() { close(b.quit) })
	select {
	case <-b.flushed:
	case <-b.done:
	case <-time.After(2 * writeWait):
		log.Warn().Str("module", "bus.ws").Msg("flush timed out")
	}
	b.shutdown(nil)
	return nil
}

func (b *Bus) shutdown(err error) {
	b.closeOnce.Do(func() {
		b.err = err
		close(b.done)
		_ = b.conn.Close()
	})
}

func (b *Bus) write(messageType int, data []byte) error {
	if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return b.conn.WriteMessage(messageType, data)
}

// flush drains send and ends with a close frame.
func (b *Bus) flush() {
	defer close(b.flushed)
	for {
		select {
		case data := <-b.send:
			if err := b.write(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "bus.ws").Msg("flush error")
				return
			}
		default:
			_ = b.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (b *Bus) writePump() {
	for {
		select {
		case <-b.done:
			return
		case <-b.quit:
			b.flush()
			return
		case data := <-b.send:
			if err := b.write(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "bus.ws").Msg("write error")
				b.shutdown(err)
				return
			}
		}
	}
}

func (b *Bus) readPump() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.quit:
				err = nil
			case <-b.done:
			default:
				log.Error().Err(err).Str("module", "bus.ws").Str("topic", string(b.topic)).Msg("read error")
			}
			b.shutdown(err)
			return
		}
		msg, err := signal.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "bus.ws").Msg("bad frame")
			continue
		}
		b.subs.Deliver(msg)
	}
}
