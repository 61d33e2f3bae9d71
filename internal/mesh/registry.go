package mesh

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PeerEntry is the registry's record of one remote participant.
type PeerEntry struct {
	ID           domain.ParticipantID
	Conn         core.PeerConnection
	RemoteStream core.RemoteStream
	Role         domain.Role
}

// Snapshot is an immutable view of the registry. A new map is published on
// every mutation; holders of an older Snapshot never see it change.
type Snapshot map[domain.ParticipantID]PeerEntry

// PeerView is a read-only view for APIs (no connection handles).
type PeerView struct {
	ID           domain.ParticipantID `json:"id"`
	Role         domain.Role          `json:"role"`
	RemoteStream string               `json:"remote_stream,omitempty"`
	Kinds        []string             `json:"kinds,omitempty"`
	Packets      uint64               `json:"packets,omitempty"`
}

// Views returns the snapshot as a slice ordered by participant id.
func (s Snapshot) Views() []PeerView {
	out := make([]PeerView, 0, len(s))
	for _, id := range slices.Sorted(maps.Keys(s)) {
		e := s[id]
		v := PeerView{ID: e.ID, Role: e.Role}
		if e.RemoteStream != nil {
			v.RemoteStream = e.RemoteStream.ID()
			for _, k := range e.RemoteStream.Kinds() {
				v.Kinds = append(v.Kinds, k.String())
			}
			v.Packets = e.RemoteStream.Packets()
		}
		out = append(out, v)
	}
	return out
}

// Hooks receive connection events. They run on pion goroutines and must not
// touch the registry directly.
type Hooks struct {
	Candidate func(id domain.ParticipantID, conn core.PeerConnection, c *webrtc.ICECandidateInit)
	Track     func(id domain.ParticipantID, conn core.PeerConnection, s core.RemoteStream)
}

// Registry maps participant ids to their peer entries. Mutations happen on
// the controller's event loop only; readers on any goroutine use Snapshot.
type Registry struct {
	factory core.PeerFactory
	hooks   Hooks

	current atomic.Pointer[Snapshot]

	watchMu  sync.Mutex
	watchers map[chan Snapshot]struct{}
}

func NewRegistry(factory core.PeerFactory, hooks Hooks) *Registry {
	r := &Registry{
		factory:  factory,
		hooks:    hooks,
		watchers: make(map[chan Snapshot]struct{}),
	}
	empty := Snapshot{}
	r.current.Store(&empty)
	return r
}

func (r *Registry) Snapshot() Snapshot { return *r.current.Load() }

func (r *Registry) Len() int { return len(r.Snapshot()) }

// Get returns the entry for id without creating it.
func (r *Registry) Get(id domain.ParticipantID) (PeerEntry, bool) {
	e, ok := r.Snapshot()[id]
	return e, ok
}

// Lookup returns the entry for id or ErrUnknownPeer.
func (r *Registry) Lookup(id domain.ParticipantID) (PeerEntry, error) {
	e, ok := r.Get(id)
	if !ok {
		return PeerEntry{}, ErrUnknownPeer
	}
	return e, nil
}

// Owns reports whether conn is still the registered connection for id.
func (r *Registry) Owns(id domain.ParticipantID, conn core.PeerConnection) bool {
	e, ok := r.Get(id)
	return ok && e.Conn == conn
}

// GetOrCreate returns the entry for id, creating a connection with every
// local track attached when none exists yet.
func (r *Registry) GetOrCreate(id domain.ParticipantID, local core.LocalStream) (PeerEntry, bool, error) {
	if e, ok := r.Get(id); ok {
		return e, false, nil
	}

	conn, err := r.factory.NewPeerConnection(id)
	if err != nil {
		return PeerEntry{}, false, err
	}
	if local != nil {
		for _, track := range local.Tracks() {
			if err := conn.AddTrack(track); err != nil {
				log.Error().Err(err).Str("module", "mesh.registry").Str("peer", string(id)).Str("track_id", track.ID()).Msg("add local track")
			}
		}
	}
	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if r.hooks.Candidate != nil {
			r.hooks.Candidate(id, conn, c)
		}
	})
	conn.OnTrack(func(s core.RemoteStream) {
		if r.hooks.Track != nil {
			r.hooks.Track(id, conn, s)
		}
	})

	e := PeerEntry{ID: id, Conn: conn, Role: domain.RoleIdle}
	r.update(func(s Snapshot) { s[id] = e })
	log.Info().Str("module", "mesh.registry").Str("peer", string(id)).Msg("created peer")
	return e, true, nil
}

func (r *Registry) SetRole(id domain.ParticipantID, role domain.Role) {
	r.update(func(s Snapshot) {
		if e, ok := s[id]; ok {
			e.Role = role
			s[id] = e
		}
	})
	log.Debug().Str("module", "mesh.registry").Str("peer", string(id)).Str("role", role.String()).Msg("role changed")
}

// SetRemoteStream records a stream received on conn. Streams that arrive on
// a connection no longer registered for id are stopped and discarded.
func (r *Registry) SetRemoteStream(id domain.ParticipantID, conn core.PeerConnection, stream core.RemoteStream) bool {
	e, ok := r.Get(id)
	if !ok || e.Conn != conn {
		stream.Stop()
		log.Debug().Str("module", "mesh.registry").Str("peer", string(id)).Msg("discarded stream of closed connection")
		return false
	}
	if e.RemoteStream != nil && e.RemoteStream != stream {
		e.RemoteStream.Stop()
	}
	r.update(func(s Snapshot) {
		e.RemoteStream = stream
		s[id] = e
	})
	log.Info().Str("module", "mesh.registry").Str("peer", string(id)).Str("stream_id", stream.ID()).Msg("remote stream attached")
	return true
}

// Remove closes and deletes the entry for id. It reports whether one existed.
func (r *Registry) Remove(id domain.ParticipantID) bool {
	e, ok := r.Get(id)
	if !ok {
		return false
	}
	r.update(func(s Snapshot) { delete(s, id) })
	release(e)
	log.Info().Str("module", "mesh.registry").Str("peer", string(id)).Msg("removed peer")
	return true
}

// Clear releases every entry and empties the registry.
func (r *Registry) Clear() {
	old := r.Snapshot()
	empty := Snapshot{}
	r.current.Store(&empty)
	r.notify(empty)
	for _, e := range old {
		release(e)
	}
	log.Info().Str("module", "mesh.registry").Int("released", len(old)).Msg("cleared")
}

func release(e PeerEntry) {
	if e.RemoteStream != nil {
		e.RemoteStream.Stop()
	}
	if e.Conn != nil {
		if err := e.Conn.Close(); err != nil {
			log.Error().Err(err).Str("module", "mesh.registry").Str("peer", string(e.ID)).Msg("close error")
		}
	}
}

// update copies the current snapshot, applies fn and publishes the result.
func (r *Registry) update(fn func(Snapshot)) {
	next := maps.Clone(r.Snapshot())
	if next == nil {
		next = Snapshot{}
	}
	fn(next)
	r.current.Store(&next)
	r.notify(next)
}

// Watch returns a feed of snapshots. Slow readers only see the latest one.
func (r *Registry) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- r.Snapshot()
	r.watchMu.Lock()
	r.watchers[ch] = struct{}{}
	r.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.watchMu.Lock()
			delete(r.watchers, ch)
			r.watchMu.Unlock()
		})
	}
}

func (r *Registry) notify(s Snapshot) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	for ch := range r.watchers {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
