// Package signal defines the signaling messages exchanged over the bus and
// their JSON wire shape.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

type Type string

const (
	TypeAnnounce  Type = "Announce"
	TypeOffer     Type = "Offer"
	TypeAnswer    Type = "Answer"
	TypeCandidate Type = "Candidate"
	TypeDepart    Type = "Depart"
)

// Names used by the first browser client of this protocol.
var legacyTypes = map[Type]Type{
	"NewConnection": TypeAnnounce,
	"Disconnection": TypeDepart,
}

func (t Type) Known() bool {
	switch t {
	case TypeAnnounce, TypeOffer, TypeAnswer, TypeCandidate, TypeDepart:
		return true
	}
	return false
}

// Directed reports whether messages of this type must carry a recipient.
func (t Type) Directed() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

// Message is one unit of exchange over the bus. Build it with the
// constructors below and pass it by value.
type Message struct {
	From          domain.ParticipantID `json:"from"`
	To            domain.ParticipantID `json:"to,omitempty"`
	Type          Type                 `json:"type"`
	SDP           string               `json:"sdp,omitempty"`
	Candidate     *string              `json:"candidate,omitempty"`
	SDPMid        *string              `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16              `json:"sdpMLineIndex,omitempty"`
}

func Announce(from domain.ParticipantID) Message {
	return Message{From: from, Type: TypeAnnounce}
}

func Depart(from domain.ParticipantID) Message {
	return Message{From: from, Type: TypeDepart}
}

func Offer(from, to domain.ParticipantID, desc string) Message {
	return Message{From: from, To: to, Type: TypeOffer, SDP: desc}
}

func Answer(from, to domain.ParticipantID, desc string) Message {
	return Message{From: from, To: to, Type: TypeAnswer, SDP: desc}
}

// CandidateFor wraps a locally gathered candidate. A nil candidate produces
// the end-of-candidates message.
func CandidateFor(from, to domain.ParticipantID, c *webrtc.ICECandidateInit) Message {
	m := Message{From: from, To: to, Type: TypeCandidate}
	if c == nil {
		return m
	}
	cand := c.Candidate
	m.Candidate = &cand
	if c.SDPMid != nil {
		mid := *c.SDPMid
		m.SDPMid = &mid
	}
	if c.SDPMLineIndex != nil {
		idx := *c.SDPMLineIndex
		m.SDPMLineIndex = &idx
	}
	return m
}

func EndOfCandidates(from, to domain.ParticipantID) Message {
	return CandidateFor(from, to, nil)
}

// ICECandidate returns the candidate carried by a Candidate message, or nil
// when the message signals end-of-candidates.
func (m Message) ICECandidate() *webrtc.ICECandidateInit {
	if m.Candidate == nil || *m.Candidate == "" {
		return nil
	}
	return &webrtc.ICECandidateInit{
		Candidate:     *m.Candidate,
		SDPMid:        m.SDPMid,
		SDPMLineIndex: m.SDPMLineIndex,
	}
}

// AddressedTo reports whether id should act on m. Broadcasts address everyone.
func (m Message) AddressedTo(id domain.ParticipantID) bool {
	return m.To == "" || m.To == id
}

func (m Message) Validate() error {
	if err := m.From.Validate(); err != nil {
		return fmt.Errorf("%w: from: %w", ErrMalformed, err)
	}
	if !m.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.Type.Directed() && m.To == "" {
		return fmt.Errorf("%w: %s without recipient", ErrMalformed, m.Type)
	}
	if m.Type == TypeOffer || m.Type == TypeAnswer {
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformed, m.Type)
		}
		var sd sdp.SessionDescription
		if err := sd.UnmarshalString(m.SDP); err != nil {
			return fmt.Errorf("%w: %s sdp: %w", ErrMalformed, m.Type, err)
		}
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one wire message. Legacy type names are normalized; unknown
// types are returned as-is so callers can ignore them.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if t, ok := legacyTypes[m.Type]; ok {
		m.Type = t
	}
	return m, nil
}
