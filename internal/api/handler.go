// Package api exposes the relay over HTTP: the public webhook entry
// point, auth, and the authenticated dashboard API.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trade-relay/internal/events"
	"trade-relay/internal/gateway"
	"trade-relay/internal/monitor"
	"trade-relay/internal/notify"
	"trade-relay/internal/webhook"
	"trade-relay/pkg/brokers"
	"trade-relay/pkg/cache"
	"trade-relay/pkg/crypto"
	"trade-relay/pkg/db"
)

// Server wires HTTP endpoints around the pipeline and the event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	DB       *db.Database
	Keys     *crypto.KeyManager
	Pool     *gateway.Pool
	Registry *brokers.Registry
	Pipeline *webhook.Pipeline
	Metrics  *monitor.SystemMetrics
	Mailer   *notify.Mailer
	Quotes   *cache.QuoteCache

	JWTSecret            string
	BaseURL              string
	RequireVerifiedEmail bool
}

// Deps carries everything the server needs; explicit so main stays the
// single place where the object graph is assembled.
type Deps struct {
	Bus      *events.Bus
	DB       *db.Database
	Keys     *crypto.KeyManager
	Pool     *gateway.Pool
	Registry *brokers.Registry
	Pipeline *webhook.Pipeline
	Metrics  *monitor.SystemMetrics
	Mailer   *notify.Mailer

	JWTSecret            string
	BaseURL              string
	RequireVerifiedEmail bool
}

func NewServer(deps Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(deps.Metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:               r,
		Bus:                  deps.Bus,
		DB:                   deps.DB,
		Keys:                 deps.Keys,
		Pool:                 deps.Pool,
		Registry:             deps.Registry,
		Pipeline:             deps.Pipeline,
		Metrics:              deps.Metrics,
		Mailer:               deps.Mailer,
		Quotes:               cache.NewQuoteCache(2 * time.Second),
		JWTSecret:            deps.JWTSecret,
		BaseURL:              deps.BaseURL,
		RequireVerifiedEmail: deps.RequireVerifiedEmail,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	// TradingView posts here; no auth header, the URL itself is the secret.
	s.Router.POST("/webhook/:userId", s.handleWebhook)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/verify-otp", s.verifyOTP)
			auth.POST("/login", s.loginUser)
			auth.POST("/forgot-password", s.forgotPassword)
			auth.POST("/reset-password", s.resetPassword)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/connections", s.listConnections)
			protected.POST("/connections", s.createConnection)
			protected.POST("/connections/:id/session", s.generateSession)
			protected.DELETE("/connections/:id", s.deactivateConnection)

			protected.GET("/orders", s.listOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.GET("/positions", s.listPositions)
			protected.GET("/holdings", s.listHoldings)
			protected.POST("/holdings/sync", s.syncHoldings)
			protected.GET("/webhook-logs", s.listWebhookLogs)

			protected.GET("/quotes", s.getQuotes)
			protected.GET("/profile/broker", s.getBrokerProfile)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Pool != nil && s.Metrics != nil {
		s.Metrics.SetPoolStats(s.Pool.Stats())
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
