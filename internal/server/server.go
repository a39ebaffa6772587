// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/circuitbreaker"
	"github.com/mbd888/chadgate/internal/config"
	"github.com/mbd888/chadgate/internal/dispatch"
	"github.com/mbd888/chadgate/internal/entitlement"
	"github.com/mbd888/chadgate/internal/health"
	"github.com/mbd888/chadgate/internal/idgen"
	"github.com/mbd888/chadgate/internal/jobs"
	"github.com/mbd888/chadgate/internal/logging"
	"github.com/mbd888/chadgate/internal/metrics"
	"github.com/mbd888/chadgate/internal/ratelimit"
	"github.com/mbd888/chadgate/internal/security"
	"github.com/mbd888/chadgate/internal/validation"
)

// Version is reported by /health and /v1/admin/status. cmd/server sets it
// from build info.
var Version = "dev"

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	core    *Core
	ingress *ratelimit.Ingress
	sweeper *jobs.Timer
	checks  *health.Registry
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	coreOpts []CoreOption

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCoreOptions passes options through to NewCore (for testing).
func WithCoreOptions(opts ...CoreOption) Option {
	return func(s *Server) {
		s.coreOpts = append(s.coreOpts, opts...)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	core, err := NewCore(context.Background(), cfg, s.logger, s.coreOpts...)
	if err != nil {
		return nil, err
	}
	s.core = core

	s.ingress = ratelimit.NewIngress(ratelimit.IngressConfig{RPS: cfg.IngressRPS, Burst: cfg.IngressBurst})
	s.sweeper = jobs.NewTimer(core.Jobs, cfg.JobSweepInterval, s.logger)
	s.checks = s.healthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Core returns the domain stack behind the server.
func (s *Server) Core() *Core { return s.core }

func (s *Server) healthChecks() *health.Registry {
	reg := health.NewRegistry(3 * time.Second)
	if db := s.core.DB; db != nil {
		reg.Register(health.PingCheck("database", db))
	}
	if rdb := s.core.Redis; rdb != nil {
		reg.Register(health.PingCheck("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
	}
	reg.Register(health.PingCheck("solana_rpc", health.PingFunc(s.core.Chain.Ping)))

	breaker := s.core.Capabilities.Breaker()
	for _, backend := range []string{catalog.BackendPrice, catalog.BackendResearch, catalog.BackendRender} {
		reg.Register(breakerCheck(breaker, backend))
	}
	return reg
}

func breakerCheck(b *circuitbreaker.Breaker, backend string) health.Checker {
	return func(context.Context) health.Status {
		st := b.State(backend)
		return health.Status{
			Name:    "backend_" + backend,
			Healthy: st != circuitbreaker.StateOpen,
			Detail:  st.String(),
		}
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID set by a load balancer.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400 && status != http.StatusPaymentRequired:
			logger.Warn("request completed", attrs...)
		default:
			// 402 is the normal first leg of every paid call.
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(s.ingress.Middleware())

	dispatch.NewHandler(s.core.Dispatcher).RegisterRoutes(v1)
	jobs.NewHandler(s.core.Jobs).RegisterRoutes(v1)
	v1.GET("/jobs/:id/stream", s.core.Hub.StreamJob(s.core.Jobs))

	admin := v1.Group("/admin")
	admin.Use(entitlement.RequireAdmin(s.cfg.AdminSecret))
	entitlement.NewHandler(s.core.Keys).RegisterRoutes(admin)
	admin.GET("/status", s.statusHandler)
	admin.GET("/events", func(c *gin.Context) {
		s.core.Hub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) statusHandler(c *gin.Context) {
	breaker := s.core.Capabilities.Breaker()
	backends := gin.H{}
	for _, b := range []string{catalog.BackendPrice, catalog.BackendResearch, catalog.BackendRender} {
		backends[b] = breaker.State(b).String()
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    Version,
		"store":      s.cfg.StoreBackend,
		"recipient":  s.cfg.RecipientAddress,
		"rateLimits": s.cfg.RateLimits(),
		"backends":   backends,
		"realtime":   s.core.Hub.Stats(),
		"sweeper":    s.sweeper.Running(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and the background loops until ctx is cancelled or a
// termination signal arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Quick research can take a minute upstream.
		WriteTimeout: s.cfg.BackendTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"store", s.cfg.StoreBackend,
			"recipient", s.cfg.RecipientAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.core.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		metrics.StartPoolStatsCollector(gctx, metrics.PoolSource{DB: s.core.DB, Redis: s.core.Redis}, 15*time.Second)
		return nil
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops accepting requests, drains in-flight calls and running
// jobs, then closes the stores.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.sweeper.Stop()
	s.ingress.Stop()

	if err := s.core.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
