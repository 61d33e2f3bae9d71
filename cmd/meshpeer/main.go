package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshcall/internal/api"
	"github.com/dkeye/meshcall/internal/bus"
	"github.com/dkeye/meshcall/internal/bus/gossip"
	"github.com/dkeye/meshcall/internal/bus/wsbus"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/media"
	"github.com/dkeye/meshcall/internal/mesh"
	"github.com/dkeye/meshcall/internal/rtc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	cfg.OnChange(func(next *config.Config) {
		zerolog.SetGlobalLevel(next.Level())
		log.Info().Str("level", next.Level().String()).Msg("log level updated")
	})

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("participant stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Participant exited gracefully")
}

func openBus(ctx context.Context, cfg *config.Config) (core.Bus, error) {
	topic := domain.TopicName(cfg.Topic)
	switch cfg.Bus.Kind {
	case config.BusWS:
		return wsbus.Dial(ctx, cfg.Bus.HubURL, topic)
	case config.BusGossip:
		return gossip.New(ctx, topic, gossip.Options{
			Port:      cfg.Bus.GossipPort,
			MDNSTag:   cfg.Bus.MDNSTag,
			Bootstrap: cfg.Bus.Bootstrap,
		})
	case config.BusMemory:
		// only useful for a single-process demo
		return bus.NewNetwork().Join(topic), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	src, err := media.New(cfg.Media.Source)
	if err != nil {
		return err
	}
	codecs, _ := src.(core.CodecRegistrar)
	peers, err := rtc.NewFactory(rtc.Config{
		ICEServers:          cfg.ICE.Servers,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAliveInterval:   cfg.ICE.KeepaliveInterval,
	}, codecs)
	if err != nil {
		return err
	}

	b, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ctrl := mesh.New(mesh.Options{
		Bus:         b,
		Peers:       peers,
		Media:       src,
		Constraints: core.Constraints{Audio: cfg.Media.Audio, Video: cfg.Media.Video},
	})
	log.Info().Str("id", string(ctrl.Identity())).Str("topic", cfg.Topic).Str("bus", cfg.Bus.Kind).Msg("participant ready")

	addr := fmt.Sprintf(":%d", cfg.Participant.APIPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.SetupRouter(cfg, ctrl),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if conn, ok := b.(interface{ Done() <-chan struct{} }); ok {
		g.Go(func() error {
			select {
			case <-conn.Done():
				return errors.New("signaling bus connection lost")
			case <-gctx.Done():
				return nil
			}
		})
	}
	if cfg.Participant.AutoStart {
		g.Go(func() error {
			startCtx, startCancel := context.WithTimeout(gctx, 30*time.Second)
			defer startCancel()
			if err := ctrl.Start(startCtx); err != nil {
				log.Error().Err(err).Msg("auto start failed")
			}
			return nil
		})
	}
	return g.Wait()
}
