// Package api exposes the worker communication protocol: the HTTP
// surface agents use to register, heartbeat, poll for work, report
// outcomes and drive pooled browser sessions. Every route except the
// health probe sits behind the shared worker secret.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/internal/browser"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/registry"
	"github.com/curbpost/curbpost/internal/scheduler"
	"github.com/curbpost/curbpost/internal/store"
)

// WorkerKeyHeader carries the shared worker secret. It authenticates
// automation agents only and is distinct from any end-user credential.
const WorkerKeyHeader = "X-Curbpost-Worker-Key"

// Server wires the protocol handlers over the domain components.
type Server struct {
	cfg      config.APIConfig
	registry *registry.Registry
	sched    *scheduler.Scheduler
	pool     *browser.Pool
	repo     store.Repository
	log      *zap.Logger
	limiter  *agentLimiter
	engine   *gin.Engine
	now      func() time.Time

	http *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithClock overrides the wall clock used for rate limiting.
func WithClock(fn func() time.Time) Option {
	return func(s *Server) { s.now = fn }
}

// NewServer builds the router. It does not start listening.
func NewServer(cfg config.APIConfig, reg *registry.Registry, sched *scheduler.Scheduler, pool *browser.Pool, repo store.Repository, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		sched:    sched,
		pool:     pool,
		repo:     repo,
		log:      observability.GetLogger().Named("api"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = newAgentLimiter(cfg.ActivityRate, cfg.ActivityBurst, s.now)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/healthz", s.handleHealthz)

	v1 := r.Group("/api/v1", s.requireWorkerKey())
	{
		v1.POST("/agents/register", s.handleRegister)
		v1.POST("/agents/:id/heartbeat", s.handleHeartbeat)
		v1.POST("/agents/:id/activity", s.handleActivity)

		v1.GET("/accounts/:id/jobs/next", s.handleClaimNext)
		v1.POST("/jobs", s.handleEnqueue)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/status", s.handleJobStatus)

		v1.POST("/sessions", s.handleCreateSession)
		v1.POST("/sessions/:id/action", s.handleSessionAction)
		v1.GET("/sessions/:id/state", s.handleSessionState)
		v1.GET("/sessions/:id/screenshot", s.handleSessionScreenshot)
		v1.DELETE("/sessions/:id", s.handleDestroySession)
	}

	s.engine = r
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("worker protocol listening", zap.String("addr", s.cfg.ListenAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("worker protocol stopped")
	return ctx.Err()
}

// requestLogger is a minimal zap access log.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	if err := s.repo.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
