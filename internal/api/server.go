// Package api exposes the supervisor over HTTP: JSON endpoints for the
// project lifecycle, a server-sent event stream and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/harshul/devsup/internal/metrics"
	"github.com/harshul/devsup/internal/registry"
	"github.com/harshul/devsup/internal/repair"
	"github.com/harshul/devsup/internal/supervisor"
)

// Server is the HTTP surface in front of one supervisor.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	sup     *supervisor.Supervisor
	repairs *repair.Tracker
	metrics *metrics.Recorder

	registry *registry.Registry
	feedsMu  sync.Mutex
	feeds    map[string]*feed

	// quit ends open event streams; http.Server.Shutdown does not cancel
	// request contexts.
	quit     chan struct{}
	quitOnce sync.Once
}

// Option customises server construction.
type Option func(*Server)

// WithRepairs enables the repair endpoints.
func WithRepairs(t *repair.Tracker) Option {
	return func(s *Server) { s.repairs = t }
}

// WithMetrics serves rec on /metrics.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = rec }
}

// WithRegistry enables the observer endpoints. The caller keeps reg in sync
// with the supervisor, normally with reg.Follow.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// NewServer builds the engine and routes. addr is only used by Start.
func NewServer(addr string, sup *supervisor.Supervisor, opts ...Option) *Server {
	engine := gin.New()
	engine.Use(requestLogger())
	engine.Use(recovery())

	s := &Server{engine: engine, sup: sup, feeds: make(map[string]*feed), quit: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    addr,
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "projects": len(s.sup.Paths())})
	})
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.GET("/config", s.getConfig)
		v1.GET("/projects", s.listProjects)
		v1.POST("/projects/resolve", s.resolve)
		v1.POST("/projects/start", s.start)
		v1.POST("/projects/stop", s.stop)
		v1.GET("/projects/status", s.status)
		v1.POST("/projects/clear-crash-history", s.clearCrashHistory)
		v1.GET("/projects/output", s.output)
		v1.GET("/projects/usage", s.usage)
		v1.GET("/events", s.events)
	}
	if s.repairs != nil {
		v1.GET("/repairs", s.listRepairs)
		v1.POST("/repairs/advance", s.advanceRepair)
	}
	if s.registry != nil {
		obs := v1.Group("/observers")
		obs.POST("", s.bindObserver)
		obs.PATCH("/fields", s.updateObserverFields)
		obs.GET("/:id", s.getObserver)
		obs.PUT("/:id", s.rebindObserver)
		obs.DELETE("/:id", s.unbindObserver)
		obs.POST("/:id/activate", s.activateObserver)
		obs.POST("/:id/refresh", s.refreshObserver)
		obs.GET("/:id/events", s.observerEvents)
	}
}

// Handler returns the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	log.Infof("API server listening on %s", l.Addr())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop ends open event streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	s.quitOnce.Do(func() { close(s.quit) })
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
