package core

//go:generate mockgen -source=media_iface.go -destination=mock/mock_media.go -package=mock

import (
	"context"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the per-peer negotiation primitive.
type PeerConnection interface {
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(t webrtc.SDPType, sdp string) error
	SetRemoteDescription(t webrtc.SDPType, sdp string) error
	// AddICECandidate applies a remote candidate; nil signals end-of-candidates.
	AddICECandidate(c *webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	// OnICECandidate sets a callback for locally gathered candidates. A nil
	// candidate means gathering finished.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked once per remote stream.
	OnTrack(func(RemoteStream))
	Close() error
}

// PeerFactory allocates connections, one per remote participant.
type PeerFactory interface {
	NewPeerConnection(remote domain.ParticipantID) (PeerConnection, error)
}

// RemoteStream is media received from one peer.
type RemoteStream interface {
	ID() string
	Kinds() []webrtc.RTPCodecType
	// Packets counts RTP packets received so far.
	Packets() uint64
	Stop()
}

// LocalStream is the local capture of an active session.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	Stop()
}

type Constraints struct {
	Audio bool
	Video bool
}

// MediaSource acquires local capture.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalStream, error)
}

// CodecRegistrar is implemented by media sources that need specific codecs
// registered on the media engine shared by all peer connections.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}
