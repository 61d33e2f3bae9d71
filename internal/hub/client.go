package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClientClosed = errors.New("connection closed")
)

// Client is one websocket subscriber of a topic.
type Client struct {
	token string
	topic domain.TopicName
	conn  *websocket.Conn
	send  chan []byte

	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func newClient(token string, topic domain.TopicName, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		token: token,
		topic: topic,
		conn:  conn,
		send:  make(chan []byte, buffer),
	}
}

func (c *Client) Token() string { return c.token }

// TrySend queues a frame without blocking.
func (c *Client) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
