package mesh

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

const testSDP = "v=0\r\no=- 123 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

const testCandidate = "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"

type fakeStream struct {
	id      string
	stopped atomic.Bool
}

func (s *fakeStream) ID() string                   { return s.id }
func (s *fakeStream) Tracks() []webrtc.TrackLocal  { return nil }
func (s *fakeStream) Kinds() []webrtc.RTPCodecType { return []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio} }
func (s *fakeStream) Packets() uint64              { return 42 }
func (s *fakeStream) Stop()                        { s.stopped.Store(true) }

type fakeMedia struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(_ context.Context, _ core.Constraints) (core.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &fakeStream{id: "local"}
	m.streams = append(m.streams, s)
	return s, nil
}

// fakeConn emits one host candidate and end-of-candidates after every local
// description, and one remote stream after the first remote description.
type fakeConn struct {
	remote domain.ParticipantID

	mu          sync.Mutex
	localTypes  []webrtc.SDPType
	remoteTypes []webrtc.SDPType
	candidates  []*webrtc.ICECandidateInit
	tracks      int
	closed      bool
	streamSent  bool
	onCand      func(*webrtc.ICECandidateInit)
	onTrack     func(core.RemoteStream)
}

func (c *fakeConn) CreateOffer() (string, error)  { return testSDP, nil }
func (c *fakeConn) CreateAnswer() (string, error) { return testSDP, nil }

func (c *fakeConn) SetLocalDescription(t webrtc.SDPType, _ string) error {
	c.mu.Lock()
	c.localTypes = append(c.localTypes, t)
	fn := c.onCand
	c.mu.Unlock()
	if fn != nil {
		go func() {
			fn(&webrtc.ICECandidateInit{Candidate: testCandidate})
			fn(nil)
		}()
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(t webrtc.SDPType, _ string) error {
	c.mu.Lock()
	c.remoteTypes = append(c.remoteTypes, t)
	fn := c.onTrack
	send := !c.streamSent && fn != nil
	c.streamSent = true
	c.mu.Unlock()
	if send {
		go fn(&fakeStream{id: "remote-" + string(c.remote)})
	}
	return nil
}

func (c *fakeConn) AddICECandidate(cand *webrtc.ICECandidateInit) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, cand)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddTrack(webrtc.TrackLocal) error {
	c.mu.Lock()
	c.tracks++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCand = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(fn func(core.RemoteStream)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) state() (local, remote []webrtc.SDPType, cands []*webrtc.ICECandidateInit, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SDPType(nil), c.localTypes...),
		append([]webrtc.SDPType(nil), c.remoteTypes...),
		append([]*webrtc.ICECandidateInit(nil), c.candidates...),
		c.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	conns map[domain.ParticipantID][]*fakeConn
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.ParticipantID][]*fakeConn)}
}

func (f *fakeFactory) NewPeerConnection(remote domain.ParticipantID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{remote: remote}
	f.conns[remote] = append(f.conns[remote], c)
	return c, nil
}

func (f *fakeFactory) count(remote domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[remote])
}

func (f *fakeFactory) last(remote domain.ParticipantID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[remote]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
