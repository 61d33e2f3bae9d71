// Package media provides local capture sources for a session.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrMediaUnavailable = errors.New("media unavailable")

const (
	SourceSynthetic = "synthetic"
	SourceDevice    = "device"
)

// New returns the source named by kind.
func New(kind string) (core.MediaSource, error) {
	switch kind {
	case "", SourceSynthetic:
		return NewSynthetic(), nil
	case SourceDevice:
		return NewDevice(), nil
	default:
		return nil, fmt.Errorf("unknown media source %q", kind)
	}
}

// localStream is a set of local tracks released together.
type localStream struct {
	id     string
	tracks []webrtc.TrackLocal
	ctx    context.Context
	cancel context.CancelFunc

	once    sync.Once
	closers []func()
}

func newLocalStream(id string) *localStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &localStream{id: id, ctx: ctx, cancel: cancel}
}

func (s *localStream) ID() string                  { return s.id }
func (s *localStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *localStream) add(track webrtc.TrackLocal, closer func()) {
	s.tracks = append(s.tracks, track)
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
}

// Stop ends every track. Safe to call more than once.
func (s *localStream) Stop() {
	s.once.Do(func() {
		s.cancel()
		for _, c := range s.closers {
			c()
		}
	})
}

// Stopped is closed once Stop has run.
func (s *localStream) Stopped() <-chan struct{} { return s.ctx.Done() }
