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

	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/hub"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
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

	policy, err := hub.ParsePolicy(cfg.Hub.Backpressure)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backpressure policy")
	}
	h := hub.New(hub.Options{
		ReadLimit:  cfg.Hub.ReadLimit,
		PingPeriod: cfg.Hub.PingPeriod,
		SendBuffer: cfg.Hub.SendBuffer,
		Policy:     policy,
		Limiter:    hub.NewRateLimiter(cfg.Hub.RateLimit, cfg.Hub.RateInterval),
	})

	addr := fmt.Sprintf(":%d", cfg.Hub.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: hub.SetupRouter(ctx, cfg, h),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("signaling hub started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("hub stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Hub exited gracefully")
}
