package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const departTimeout = 2 * time.Second

type Options struct {
	// Identity defaults to a fresh random id.
	Identity    domain.ParticipantID
	Bus         core.Bus
	Peers       core.PeerFactory
	Media       core.MediaSource
	Constraints core.Constraints
}

// Controller owns one participant's session: local media, the peer
// registry and the router. Every state change runs on the event loop
// started by Run.
type Controller struct {
	self        domain.ParticipantID
	bus         core.Bus
	media       core.MediaSource
	constraints core.Constraints

	registry *Registry
	router   *Router
	stats    *Stats
	events   *eventQueue

	running atomic.Bool
	active  atomic.Bool
	stopped chan struct{}

	// loop only
	local core.LocalStream
}

func New(opts Options) *Controller {
	id := opts.Identity
	if id == "" {
		id = domain.NewParticipantID()
	}
	c := &Controller{
		self:        id,
		bus:         opts.Bus,
		media:       opts.Media,
		constraints: opts.Constraints,
		stats:       &Stats{},
		events:      newEventQueue(),
		stopped:     make(chan struct{}),
	}
	c.registry = NewRegistry(opts.Peers, Hooks{
		Candidate: c.onCandidate,
		Track:     c.onTrack,
	})
	n := &negotiator{
		self:     id,
		registry: c.registry,
		publish:  c.publish,
		local:    func() core.LocalStream { return c.local },
	}
	c.router = NewRouter(id, c.active.Load, n.handlers(), c.stats)
	return c
}

func (c *Controller) Identity() domain.ParticipantID { return c.self }
func (c *Controller) Active() bool                   { return c.active.Load() }
func (c *Controller) Peers() Snapshot                { return c.registry.Snapshot() }
func (c *Controller) Stats() StatsSnapshot           { return c.stats.Snapshot() }

// Watch returns a feed of registry snapshots and a cancel func.
func (c *Controller) Watch() (<-chan Snapshot, func()) { return c.registry.Watch() }

// Run subscribes to the bus and processes operations until ctx is done.
// An active session is finished before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.stopped)

	unsubscribe := c.bus.Subscribe(func(msg signal.Message) {
		c.events.push(func(ctx context.Context) { c.router.Route(ctx, msg) })
	})
	defer unsubscribe()

	log.Info().Str("module", "mesh.session").Str("self", string(c.self)).Msg("controller running")
	for {
		select {
		case <-ctx.Done():
			c.events.close()
			if c.active.Load() {
				c.finish(ctx)
			}
			log.Info().Str("module", "mesh.session").Str("self", string(c.self)).Msg("controller stopped")
			return nil
		case <-c.events.ready:
			for {
				fn, ok := c.events.next()
				if !ok {
					break
				}
				fn(ctx)
				if ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// Start acquires local media and announces this participant.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, c.start)
}

// Finish announces departure and tears down every connection.
func (c *Controller) Finish(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		c.finish(ctx)
		return nil
	})
}

// do runs fn on the event loop and waits for its result.
func (c *Controller) do(ctx context.Context, fn func(context.Context) error) error {
	res := make(chan error, 1)
	if !c.events.push(func(context.Context) { res <- fn(ctx) }) {
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) start(ctx context.Context) error {
	if c.active.Load() {
		return ErrSessionActive
	}
	stream, err := c.media.Acquire(ctx, c.constraints)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh.session").Msg("media acquisition failed")
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}
	c.local = stream
	c.active.Store(true)
	c.publish(ctx, signal.Announce(c.self))
	log.Info().Str("module", "mesh.session").Str("self", string(c.self)).Str("stream_id", stream.ID()).Msg("session started")
	return nil
}

// finish publishes Depart on a context detached from the caller.
func (c *Controller) finish(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), departTimeout)
	c.publish(dctx, signal.Depart(c.self))
	cancel()
	if !c.active.Load() {
		return
	}
	c.active.Store(false)
	if c.local != nil {
		c.local.Stop()
		c.local = nil
	}
	c.registry.Clear()
	log.Info().Str("module", "mesh.session").Str("self", string(c.self)).Msg("session finished")
}

func (c *Controller) publish(ctx context.Context, msg signal.Message) {
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.stats.busErrors.Add(1)
		ev := log.Error()
		if errors.Is(err, context.Canceled) {
			ev = log.Debug()
		}
		ev.Err(err).Str("module", "mesh.session").Str("type", string(msg.Type)).Str("to", string(msg.To)).Msg("publish failed")
	}
}

// onCandidate runs on a pion goroutine. Publishing is deferred to the loop
// so that a candidate never overtakes the description it belongs to.
func (c *Controller) onCandidate(id domain.ParticipantID, conn core.PeerConnection, cand *webrtc.ICECandidateInit) {
	c.events.push(func(ctx context.Context) {
		if !c.registry.Owns(id, conn) {
			return
		}
		c.publish(ctx, signal.CandidateFor(c.self, id, cand))
	})
}

func (c *Controller) onTrack(id domain.ParticipantID, conn core.PeerConnection, stream core.RemoteStream) {
	ok := c.events.push(func(context.Context) {
		c.registry.SetRemoteStream(id, conn, stream)
	})
	if !ok {
		stream.Stop()
	}
}
