//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Device captures camera and microphone through pion/mediadevices.
type Device struct {
	selector *mediadevices.CodecSelector
	err      error
}

func NewDevice() *Device {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return &Device{err: err}
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return &Device{err: err}
	}
	return &Device{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}
}

// RegisterCodecs registers the encoders' codecs on the shared media engine.
func (d *Device) RegisterCodecs(m *webrtc.MediaEngine) error {
	if d.err != nil {
		return d.err
	}
	d.selector.Populate(m)
	return nil
}

type attempt struct {
	video bool
	audio bool
	label string
}

// attempts lists capture combinations to try, richest first. A missing
// microphone must not prevent the camera from working and vice versa.
func attempts(c core.Constraints) []attempt {
	var out []attempt
	if c.Video && c.Audio {
		out = append(out, attempt{true, true, "video+audio"})
	}
	if c.Video {
		out = append(out, attempt{true, false, "video-only"})
	}
	if c.Audio {
		out = append(out, attempt{false, true, "audio-only"})
	}
	return out
}

func (d *Device) Acquire(ctx context.Context, c core.Constraints) (core.LocalStream, error) {
	if d.err != nil {
		return nil, fmt.Errorf("%w: codecs: %w", ErrMediaUnavailable, d.err)
	}
	list := attempts(c)
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no media kind requested", ErrMediaUnavailable)
	}
	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		log.Warn().Str("module", "media.device").Msg("no media devices found")
	} else {
		for _, dev := range devices {
			log.Debug().Str("module", "media.device").Str("label", dev.Label).Str("kind", fmt.Sprint(dev.Kind)).Msg("media device")
		}
	}

	var errs []error
	for _, a := range list {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("module", "media.device").Str("attempt", a.label).Msg("GetUserMedia failed")
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		tracks := ms.GetTracks()
		stream := newLocalStream("device-" + uuid.NewString())
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Str("module", "media.device").Str("track_id", track.ID()).Msg("local track ended")
				}
			})
			stream.add(track, func() {
				if err := track.Close(); err != nil {
					log.Debug().Err(err).Str("module", "media.device").Msg("close track")
				}
			})
		}
		log.Info().Str("module", "media.device").Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return stream, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, errors.Join(errs...))
}
