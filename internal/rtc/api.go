package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:          []string{DefaultSTUN},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

func (c Config) configuration() webrtc.Configuration {
	var cfg webrtc.Configuration
	for _, url := range c.ICEServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}
	return cfg
}

// NewAPI builds the pion API shared by every connection of a participant.
// When codecs is nil the default codec set is registered.
func NewAPI(cfg Config, codecs core.CodecRegistrar) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		if err := codecs.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	// periodic PLI for every received video track
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	interceptorRegistry.Add(pli)

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{}}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		def := DefaultConfig()
		if cfg.DisconnectedTimeout <= 0 {
			cfg.DisconnectedTimeout = def.DisconnectedTimeout
		}
		if cfg.FailedTimeout <= 0 {
			cfg.FailedTimeout = def.FailedTimeout
		}
		if cfg.KeepAliveInterval <= 0 {
			cfg.KeepAliveInterval = def.KeepAliveInterval
		}
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Factory creates pion-backed peer connections.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(cfg Config, codecs core.CodecRegistrar) (*Factory, error) {
	api, err := NewAPI(cfg, codecs)
	if err != nil {
		return nil, err
	}
	return &Factory{api: api, config: cfg.configuration()}, nil
}

func (f *Factory) NewPeerConnection(remote domain.ParticipantID) (core.PeerConnection, error) {
	return f.newConnection(remote)
}

func (f *Factory) newConnection(remote domain.ParticipantID) (*Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(pc, remote), nil
}
