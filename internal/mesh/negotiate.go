package mesh

import (
	"context"
	"fmt"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Transition returns the role a peer ends in when a message of type t
// arrives while the peer is in role (known=false means no entry exists).
// ok is false when the message is not acceptable in that state.
//
// Depart yields RoleIdle: the entry is destroyed.
func Transition(role domain.Role, known bool, t signal.Type) (next domain.Role, ok bool) {
	switch t {
	case signal.TypeAnnounce:
		if !known || role == domain.RoleIdle {
			return domain.RoleOffering, true
		}
	case signal.TypeOffer:
		return domain.RoleStable, true
	case signal.TypeAnswer:
		if known && role == domain.RoleOffering {
			return domain.RoleStable, true
		}
	case signal.TypeCandidate:
		if known {
			return role, true
		}
	case signal.TypeDepart:
		if known {
			return domain.RoleIdle, true
		}
	}
	return role, false
}

// negotiator holds the five message handlers. All of them run on the
// controller's event loop.
type negotiator struct {
	self     domain.ParticipantID
	registry *Registry
	publish  func(ctx context.Context, msg signal.Message)
	local    func() core.LocalStream
}

func (n *negotiator) handlers() map[signal.Type]HandlerFunc {
	return map[signal.Type]HandlerFunc{
		signal.TypeAnnounce:  n.handleAnnounce,
		signal.TypeOffer:     n.handleOffer,
		signal.TypeAnswer:    n.handleAnswer,
		signal.TypeCandidate: n.handleCandidate,
		signal.TypeDepart:    n.handleDepart,
	}
}

// accept checks msg against the transition table for its sender.
func (n *negotiator) accept(msg signal.Message) (PeerEntry, domain.Role, error) {
	entry, known := n.registry.Get(msg.From)
	next, ok := Transition(entry.Role, known, msg.Type)
	if ok {
		return entry, next, nil
	}
	if !known {
		return entry, next, fmt.Errorf("%w: %s from %s", ErrUnknownPeer, msg.Type, msg.From)
	}
	return entry, next, fmt.Errorf("%w: %s from %s in role %s", ErrUnexpectedMessage, msg.Type, msg.From, entry.Role)
}

// handleAnnounce makes every existing participant offer to a newcomer.
func (n *negotiator) handleAnnounce(ctx context.Context, msg signal.Message) error {
	if _, _, err := n.accept(msg); err != nil {
		return err
	}
	entry, _, err := n.registry.GetOrCreate(msg.From, n.local())
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	offer, err := entry.Conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := entry.Conn.SetLocalDescription(webrtc.SDPTypeOffer, offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	n.registry.SetRole(msg.From, domain.RoleOffering)
	n.publish(ctx, signal.Offer(n.self, msg.From, offer))
	log.Info().Str("module", "mesh.negotiate").Str("peer", string(msg.From)).Msg("offer sent")
	return nil
}

func (n *negotiator) handleOffer(ctx context.Context, msg signal.Message) error {
	if _, _, err := n.accept(msg); err != nil {
		return err
	}
	entry, _, err := n.registry.GetOrCreate(msg.From, n.local())
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	prev := entry.Role

	if err := entry.Conn.SetRemoteDescription(webrtc.SDPTypeOffer, msg.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.registry.SetRole(msg.From, domain.RoleAnswering)
	answer, err := entry.Conn.CreateAnswer()
	if err != nil {
		n.registry.SetRole(msg.From, prev)
		return fmt.Errorf("create answer: %w", err)
	}
	n.publish(ctx, signal.Answer(n.self, msg.From, answer))
	if err := entry.Conn.SetLocalDescription(webrtc.SDPTypeAnswer, answer); err != nil {
		n.registry.SetRole(msg.From, prev)
		return fmt.Errorf("set local answer: %w", err)
	}
	n.registry.SetRole(msg.From, domain.RoleStable)
	log.Info().Str("module", "mesh.negotiate").Str("peer", string(msg.From)).Msg("answer sent")
	return nil
}

func (n *negotiator) handleAnswer(_ context.Context, msg signal.Message) error {
	entry, next, err := n.accept(msg)
	if err != nil {
		return err
	}
	if err := entry.Conn.SetRemoteDescription(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.registry.SetRole(msg.From, next)
	log.Info().Str("module", "mesh.negotiate").Str("peer", string(msg.From)).Msg("negotiation complete")
	return nil
}

func (n *negotiator) handleCandidate(_ context.Context, msg signal.Message) error {
	entry, _, err := n.accept(msg)
	if err != nil {
		return err
	}
	cand := msg.ICECandidate()
	if err := entry.Conn.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	if cand == nil {
		log.Debug().Str("module", "mesh.negotiate").Str("peer", string(msg.From)).Msg("end of candidates")
	}
	return nil
}

func (n *negotiator) handleDepart(_ context.Context, msg signal.Message) error {
	if _, _, err := n.accept(msg); err != nil {
		return err
	}
	n.registry.Remove(msg.From)
	return nil
}
