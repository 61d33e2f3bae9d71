package hub

import (
	"context"
	"net/http"

	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const tokenKey = "client_token"

// ClientTokenMiddleware keeps a per-browser token in the session. The token
// only labels logs and keys the rate limiter.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(tokenKey).(string)
		if token == "" {
			token = uuid.NewString()
			session.Set(tokenKey, token)
			if err := session.Save(); err != nil {
				log.Error().Err(err).Str("module", "hub.http").Msg("session save")
			}
		}
		c.Set(tokenKey, token)
		c.Next()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Hub.Secret))
	r.Use(sessions.Sessions("MeshSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := r.Group("/api")
	api.GET("/topics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"topics": h.Topics()})
	})
	api.GET("/ws/:topic", func(c *gin.Context) {
		h.ServeWS(ctx, c)
	})

	log.Info().Str("module", "hub.http").Msg("router setup")
	return r
}

// ServeWS upgrades the request and subscribes the connection to the topic
// named in the path.
func (h *Hub) ServeWS(ctx context.Context, c *gin.Context) {
	topic := domain.TopicName(c.Param("topic"))
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic required"})
		return
	}
	token := c.GetString(tokenKey)
	if token == "" {
		token = uuid.NewString()
	} else {
		// one browser may open several tabs
		token = token + "/" + uuid.NewString()[:8]
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "hub.http").Msg("ws upgrade")
		return
	}

	client := newClient(token, topic, ws, h.opts.SendBuffer)
	h.join(client)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		h.writePump(ctx, client)
		cancel()
	}()
	go func() {
		h.readPump(ctx, client)
		cancel()
	}()
}
