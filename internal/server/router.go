package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"desklink/internal/auth"
	"desklink/internal/config"
	"desklink/internal/handler"
	"desklink/internal/hub"
	"desklink/internal/metrics"
	"desklink/internal/middleware"
	"desklink/internal/model"
	"desklink/internal/relay"
	"desklink/internal/session"
	"desklink/internal/socketio"
	"desklink/internal/turn"
)

type Deps struct {
	Config      config.Config
	TokenConfig auth.TokenConfig
	Logger      *log.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Backend holds the coordinator's shared state and its HTTP surface.
type Backend struct {
	Hub      *hub.Hub
	Sessions *session.Manager
	Relay    *relay.Relay
	Metrics  *metrics.Registry
	Engine   *gin.Engine
}

func NewBackend(deps Deps) *Backend {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config

	b := &Backend{Hub: hub.New()}
	store := session.NewStore()
	b.Metrics = metrics.New(store.Len)

	timeouts := session.DefaultTimeouts()
	if cfg.PendingTimeout > 0 {
		timeouts.Pending = cfg.PendingTimeout
	}
	if cfg.AcceptedTimeout > 0 {
		timeouts.Accepted = cfg.AcceptedTimeout
	}
	if cfg.ActiveTimeout > 0 {
		timeouts.Active = cfg.ActiveTimeout
	}
	b.Sessions = session.NewManager(store, session.NewRooms(), b.Hub,
		session.WithTimeouts(timeouts),
		session.WithClock(now),
		session.WithLogger(logger),
		session.WithExpiryHook(func(model.SessionRecord) { b.Metrics.IncSessionsExpired() }),
	)
	b.Relay = relay.New(b.Sessions, b.Hub, b.Metrics, logger)
	b.Engine = b.router(deps, logger, now)
	return b
}

// NewRouter builds a Backend and returns its engine.
func NewRouter(deps Deps) *gin.Engine {
	return NewBackend(deps).Engine
}

func (b *Backend) router(deps Deps, logger *log.Logger, now func() time.Time) *gin.Engine {
	cfg := deps.Config

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": now().UTC().Format(time.RFC3339)})
	})
	r.GET("/metrics", gin.WrapH(b.Metrics.Handler()))

	limit := cfg.RequestRateLimit
	if limit <= 0 {
		limit = 30
	}
	requestLimiter := middleware.NewRateLimiter(limit, time.Minute)

	turnHandler := &handler.TurnHandler{
		Issuer: turn.NewIssuer(cfg.TURNSecret, now),
		ICE:    turn.ICEConfig{STUNURLs: cfg.STUNURLs, TURNURL: cfg.TURNURL, TTL: cfg.TURNTTL},
		Logger: logger,
	}
	r.GET("/api/remote/turn-token", middleware.OptionalAuth(deps.TokenConfig), turnHandler.Token)

	remoteHandler := &handler.RemoteHandler{Sessions: b.Sessions}
	remote := r.Group("/api/remote")
	remote.GET("/debug", remoteHandler.Debug)

	protected := remote.Group("")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.POST("/request", middleware.RateLimitMiddleware(requestLimiter), remoteHandler.Request)
	protected.POST("/meeting-request", middleware.RateLimitMiddleware(requestLimiter), remoteHandler.MeetingRequest)
	protected.POST("/accept", remoteHandler.Accept)
	protected.POST("/reject", remoteHandler.Reject)
	protected.POST("/complete", remoteHandler.Complete)
	protected.POST("/session/:id/complete", remoteHandler.CompleteByID)
	protected.GET("/session/:id", remoteHandler.Get)

	provisionTTL := cfg.ProvisionTokenTTL
	if provisionTTL <= 0 {
		provisionTTL = 10 * time.Minute
	}
	provisionHandler := &handler.ProvisionHandler{
		TokenConfig: deps.TokenConfig,
		TTL:         provisionTTL,
		Ledger:      auth.NewLedger(now),
		Logger:      logger,
	}
	r.POST("/api/agent/provision", middleware.RequireAuth(deps.TokenConfig), provisionHandler.Provision)
	r.POST("/api/agent/pair", provisionHandler.Pair)

	agentHandler := &handler.AgentSocketHandler{
		Hub:         b.Hub,
		Sessions:    b.Sessions,
		Relay:       b.Relay,
		TokenConfig: deps.TokenConfig,
		Logger:      logger,
	}
	r.GET("/api/agent/ws", agentHandler.Serve)

	sio := socketio.NewServer(socketio.Deps{
		TokenConfig: deps.TokenConfig,
		Hub:         b.Hub,
		Sessions:    b.Sessions,
		Relay:       b.Relay,
		Logger:      logger,
	})
	r.GET("/socket.io/*any", gin.WrapH(sio))

	return r
}
