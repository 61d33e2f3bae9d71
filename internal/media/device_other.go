//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/webrtc/v4"
)

// Device is unavailable on this platform: capture drivers need linux and cgo.
type Device struct{}

func NewDevice() *Device { return &Device{} }

func (d *Device) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *Device) Acquire(context.Context, core.Constraints) (core.LocalStream, error) {
	return nil, fmt.Errorf("%w: device capture not supported on this build", ErrMediaUnavailable)
}
