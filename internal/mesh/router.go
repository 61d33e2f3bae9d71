package mesh

import (
	"context"
	"errors"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
	"github.com/rs/zerolog/log"
)

type HandlerFunc func(ctx context.Context, msg signal.Message) error

// Router filters inbound bus messages and dispatches them by type.
type Router struct {
	self     domain.ParticipantID
	active   func() bool
	handlers map[signal.Type]HandlerFunc
	stats    *Stats
}

func NewRouter(self domain.ParticipantID, active func() bool, handlers map[signal.Type]HandlerFunc, stats *Stats) *Router {
	if stats == nil {
		stats = &Stats{}
	}
	return &Router{self: self, active: active, handlers: handlers, stats: stats}
}

// Route processes one message to completion.
func (r *Router) Route(ctx context.Context, msg signal.Message) {
	if !r.active() {
		r.stats.dropped.Add(1)
		return
	}
	if !msg.AddressedTo(r.self) || msg.From == r.self {
		r.stats.dropped.Add(1)
		return
	}
	logger := log.With().
		Str("module", "mesh.router").
		Str("from", string(msg.From)).
		Str("type", string(msg.Type)).
		Logger()

	if err := msg.Validate(); err != nil {
		if errors.Is(err, signal.ErrUnknownType) {
			logger.Debug().Msg("ignored unknown type")
		} else {
			logger.Warn().Err(err).Msg("invalid message")
		}
		r.stats.dropped.Add(1)
		return
	}
	handler, ok := r.handlers[msg.Type]
	if !ok {
		r.stats.dropped.Add(1)
		return
	}
	if err := handler(ctx, msg); err != nil {
		if errors.Is(err, ErrUnknownPeer) || errors.Is(err, ErrUnexpectedMessage) {
			logger.Debug().Err(err).Msg("dropped stale message")
			r.stats.dropped.Add(1)
			return
		}
		logger.Error().Err(err).Msg("handler failed")
		r.stats.failed.Add(1)
		return
	}
	r.stats.routed.Add(1)
}
