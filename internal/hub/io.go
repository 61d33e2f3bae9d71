package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (h *Hub) writePump(ctx context.Context, c *Client) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "hub").Str("client", c.token).Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "hub").Str("client", c.token).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "hub").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "hub").Str("client", c.token).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "hub").Str("client", c.token).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *Client) {
	defer func() {
		h.leave(c)
		c.Close()
	}()

	pongWait := h.opts.PingPeriod * 10 / 9
	if h.opts.ReadLimit > 0 {
		c.conn.SetReadLimit(h.opts.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			kind, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "hub").Str("client", c.token).Msg("readPump read error")
				}
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			if !h.opts.Limiter.Allow(c.token) {
				log.Warn().Str("module", "hub").Str("client", c.token).Msg("rate limited")
				continue
			}
			h.Relay(c, data)
		}
	}
}
