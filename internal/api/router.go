// Package api is the local control surface of a participant: it starts and
// finishes the session and exposes the peer registry.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/mesh"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Session is the part of mesh.Controller the API drives.
type Session interface {
	Identity() domain.ParticipantID
	Active() bool
	Start(ctx context.Context) error
	Finish(ctx context.Context) error
	Peers() mesh.Snapshot
	Watch() (<-chan mesh.Snapshot, func())
	Stats() mesh.StatsSnapshot
}

func SetupRouter(cfg *config.Config, s Session) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"id":     s.Identity(),
			"topic":  cfg.Topic,
			"active": s.Active(),
		})
	})

	api.POST("/session", func(c *gin.Context) {
		if err := s.Start(c.Request.Context()); err != nil {
			log.Error().Err(err).Str("module", "api").Msg("start session")
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": true})
	})

	api.DELETE("/session", func(c *gin.Context) {
		if err := s.Finish(c.Request.Context()); err != nil {
			log.Error().Err(err).Str("module", "api").Msg("finish session")
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": false})
	})

	api.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": s.Peers().Views()})
	})

	// one "peers" event per registry change
	api.GET("/peers/events", func(c *gin.Context) {
		feed, cancel := s.Watch()
		defer cancel()
		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			select {
			case snap := <-feed:
				c.SSEvent("peers", snap.Views())
				return true
			case <-ctx.Done():
				return false
			}
		})
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})

	log.Info().Str("module", "api").Msg("router setup")
	return r
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, mesh.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrMediaAcquisition):
		return http.StatusServiceUnavailable
	case errors.Is(err, mesh.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
