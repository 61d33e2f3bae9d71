package media

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	opusPayloadType = 111
	vp8PayloadType  = 96

	audioFrame = 20 * time.Millisecond
	videoFrame = 100 * time.Millisecond
)

// opus frame carrying 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8 payload descriptor (start of partition) followed by an empty frame
var vp8Blank = []byte{0x10, 0x00, 0x00, 0x00}

// Synthetic produces silent audio and blank video without capture devices.
type Synthetic struct{}

func NewSynthetic() *Synthetic { return &Synthetic{} }

func (s *Synthetic) Acquire(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no media kind requested", ErrMediaUnavailable)
	}

	id := "synthetic-" + uuid.NewString()
	stream := newLocalStream(id)
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", id)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		}
		stream.add(track, nil)
		go pump(stream.ctx, track, opusPayloadType, audioFrame, 960, opusSilence)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", id)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		}
		stream.add(track, nil)
		go pump(stream.ctx, track, vp8PayloadType, videoFrame, 9000, vp8Blank)
	}

	log.Info().Str("module", "media.synthetic").Str("stream_id", id).Bool("audio", c.Audio).Bool("video", c.Video).Msg("local media acquired")
	return stream, nil
}

// pump writes one packet per frame until ctx is done. Writes before any
// peer binds the track are dropped by pion.
func pump(ctx context.Context, track *webrtc.TrackLocalStaticRTP, pt uint8, frame time.Duration, step uint32, payload []byte) {
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: uint16(rand.UintN(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
			Marker:         true,
		},
		Payload: payload,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).Str("module", "media.synthetic").Str("track_id", track.ID()).Msg("write rtp")
			}
			pkt.SequenceNumber++
			pkt.Timestamp += step
		}
	}
}
