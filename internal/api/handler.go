// Package api exposes the operational HTTP surface: auth, execution targets,
// order placement, open positions, balances, and the event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/position"
	"execution-core/internal/router"
	"execution-core/internal/settings"
	"execution-core/pkg/db"
)

// Server wires HTTP endpoints around the execution engine.
type Server struct {
	Engine    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Exec      *router.Router
	Store     *position.Store
	Settings  *settings.Resolver
	Log       *zap.Logger
	JWTSecret string
	Meta      SystemMeta

	httpSrv *http.Server
}

// SystemMeta describes runtime status exposed on the status endpoint.
type SystemMeta struct {
	Version   string   `json:"version"`
	Exchanges []string `json:"exchanges"`
	MockFeed  bool     `json:"mock_feed"`
}

// NewServer builds the gin engine with the full middleware stack and routes.
func NewServer(bus *events.Bus, database *db.Database, exec *router.Router,
	store *position.Store, resolver *settings.Resolver, log *zap.Logger,
	jwtSecret string, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(log))
	r.Use(TimeoutMiddleware(30*time.Second, log))
	r.Use(CORSMiddleware())

	s := &Server{
		Engine:    r,
		httpSrv:   &http.Server{Handler: r},
		Bus:       bus,
		DB:        database,
		Exec:      exec,
		Store:     store,
		Settings:  resolver,
		Log:       log,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Engine.GET("/health", s.health)
	s.Engine.GET("/ws", s.websocket)

	api := s.Engine.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/positions", s.getPositions)
			protected.GET("/balance", s.getBalance)
			protected.GET("/settings", s.getEffectiveSettings)

			protected.POST("/orders", s.placeOrder)
			protected.POST("/positions/close", s.closePosition)
			protected.PUT("/leverage", s.setLeverage)

			protected.GET("/targets", s.listTargets)
			protected.POST("/targets", s.upsertTarget)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves HTTP on addr; it blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv.Addr = addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
