package rtc

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Connection adapts a pion PeerConnection to core.PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	ctx    context.Context
	cancel context.CancelFunc

	keyframeRequests atomic.Uint64

	mu      sync.Mutex
	senders int
	onICE   func(*webrtc.ICECandidateInit)
	onTrack func(core.RemoteStream)
	streams map[string]*remoteStream
}

func newConnection(pc *webrtc.PeerConnection, remote domain.ParticipantID) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:      pc,
		remote:  remote,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*remoteStream),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn == nil {
			return
		}
		if cand == nil {
			fn(nil)
			return
		}
		init := cand.ToJSON()
		fn(&init)
	})

	pc.OnTrack(c.handleTrack)
	return c
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Info().
		Str("module", "webrtc").
		Str("peer", string(c.remote)).
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("OnTrack received")

	c.mu.Lock()
	s, ok := c.streams[track.StreamID()]
	if !ok {
		ctx, cancel := context.WithCancel(c.ctx)
		s = &remoteStream{id: track.StreamID(), ctx: ctx, cancel: cancel}
		c.streams[s.id] = s
	}
	s.addKind(track.Kind())
	fn := c.onTrack
	c.mu.Unlock()

	go s.drain(track)
	if !ok && fn != nil {
		fn(s)
	}
}

func (c *Connection) CreateOffer() (string, error) {
	c.ensureTransceivers()
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *Connection) CreateAnswer() (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *Connection) SetLocalDescription(t webrtc.SDPType, sdp string) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

func (c *Connection) SetRemoteDescription(t webrtc.SDPType, sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

// AddICECandidate applies a remote candidate. nil marks end-of-candidates.
func (c *Connection) AddICECandidate(cand *webrtc.ICECandidateInit) error {
	if cand == nil {
		return c.pc.AddICECandidate(webrtc.ICECandidateInit{})
	}
	return c.pc.AddICECandidate(*cand)
}

// AddTrack attaches a local track and drains the sender's RTCP so
// interceptors keep running.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders++
	c.mu.Unlock()
	go c.readSenderRTCP(sender, track.ID())
	return nil
}

// readSenderRTCP consumes RTCP for an outgoing track so interceptors keep
// running, and counts keyframe requests from the remote decoder.
func (c *Connection) readSenderRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if keyframeRequested(pkts) {
			c.keyframeRequests.Add(1)
			log.Debug().Str("module", "webrtc").Str("peer", string(c.remote)).Str("track_id", trackID).Msg("keyframe requested")
		}
	}
}

func keyframeRequested(pkts []rtcp.Packet) bool {
	for _, p := range pkts {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}

// ensureTransceivers adds recvonly transceivers when nothing is sent, so the
// offer still carries m-lines with ICE credentials.
func (c *Connection) ensureTransceivers() {
	c.mu.Lock()
	senders := c.senders
	c.mu.Unlock()
	if senders > 0 || len(c.pc.GetTransceivers()) > 0 {
		return
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Str("kind", kind.String()).Msg("AddTransceiver")
		}
	}
}

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnTrack sets the callback fired once per remote stream.
func (c *Connection) OnTrack(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

func (c *Connection) Close() error {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Uint64("keyframe_requests", c.keyframeRequests.Load()).Msg("closed")
	return nil
}

// remoteStream groups the remote tracks sharing one stream id.
type remoteStream struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	packets atomic.Uint64

	mu    sync.Mutex
	kinds []webrtc.RTPCodecType
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) Kinds() []webrtc.RTPCodecType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.kinds)
}

func (s *remoteStream) addKind(k webrtc.RTPCodecType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.kinds, k) {
		s.kinds = append(s.kinds, k)
	}
}

func (s *remoteStream) Packets() uint64 { return s.packets.Load() }

func (s *remoteStream) Stop() { s.cancel() }

// drain consumes RTP until the track ends or the stream is stopped.
func (s *remoteStream) drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		s.packets.Add(1)
		if s.ctx.Err() != nil {
			return
		}
	}
}
