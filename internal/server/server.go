package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/PEZ/epupp-sub009/internal/logging"
	"github.com/PEZ/epupp-sub009/internal/monitoring"
)

// Server wraps the management API server.
type Server struct {
	router *gin.Engine
	log    *logging.Logger

	mu   sync.Mutex
	http *http.Server
}

// Config contains server configuration.
type Config struct {
	Addr              string
	RequestsPerSecond int
	Burst             int
}

// New creates the management API server and registers all routes.
func New(cfg Config, handlers *Handlers, metrics *monitoring.Metrics, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	if cfg.RequestsPerSecond > 0 {
		router.Use(rateLimit(cfg.RequestsPerSecond, cfg.Burst))
	}

	router.GET("/health", handlers.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	router.GET("/scripts", handlers.ListScripts)
	router.GET("/scripts/:name", handlers.GetScript)
	router.POST("/scripts", handlers.SaveScript)
	router.POST("/scripts/:name/rename", handlers.RenameScript)
	router.POST("/scripts/:name/enabled", handlers.SetEnabled)
	router.DELETE("/scripts/:name", handlers.DeleteScript)

	router.GET("/approvals", handlers.ListPendingApprovals)
	router.POST("/approvals/approve", handlers.Approve)
	router.POST("/approvals/revoke", handlers.RevokeApproval)

	router.GET("/fs-sync", handlers.SyncStatus)
	router.POST("/fs-sync", handlers.GrantSync)
	router.DELETE("/fs-sync", handlers.RevokeSync)

	srv := &Server{router: router, log: log}
	srv.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until the listener fails or Close is called.
func (s *Server) Run() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down gracefully.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// rateLimit applies a global token-bucket limit to the API.
func rateLimit(rps, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = rps
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
