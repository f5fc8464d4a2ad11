// Package server wires the gateway together: stores, facilitator
// client, admission pipeline and the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/gateway"
	"github.com/tollgate/tollgate/internal/health"
	"github.com/tollgate/tollgate/internal/idgen"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/ratelimit"
	"github.com/tollgate/tollgate/internal/traces"
	"github.com/tollgate/tollgate/internal/x402"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	service     *gateway.Service
	sessions    gateway.SessionStore
	limits      gateway.RateLimitStore
	facilitator x402.Facilitator
	rateLimiter *ratelimit.Limiter
	rdb         *redis.Client // nil when using in-memory stores
	checks      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	tracerShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

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

// WithFacilitator sets a custom facilitator client (for testing)
func WithFacilitator(f x402.Facilitator) Option {
	return func(s *Server) {
		s.facilitator = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set facilitator/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Stores: Redis if REDIS_URL set, otherwise in-memory
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s.rdb = redis.NewClient(redisOpts)
		if err := s.rdb.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.sessions = gateway.NewRedisSessionStore(s.rdb)
		s.limits = gateway.NewRedisRateLimit(s.rdb)
		s.logger.Info("using Redis stores", "addr", redisOpts.Addr)
	} else {
		s.sessions = gateway.NewMemorySessionStore(cfg.SessionSweepInterval)
		s.limits = gateway.NewMemoryRateLimit(cfg.RateLimitSweepInterval)
		s.logger.Info("using in-memory stores")
	}

	if s.facilitator == nil {
		s.facilitator = x402.NewClient(cfg.FacilitatorURL, 0)
	}

	proxy, err := gateway.NewProxy(cfg.Gateway.Upstreams, 0)
	if err != nil {
		return nil, err
	}

	s.service, err = gateway.NewService(
		cfg.Gateway.Routes,
		s.sessions,
		s.limits,
		s.facilitator,
		proxy,
		gateway.Defaults{
			Terms:     cfg.DefaultTerms(),
			RateLimit: cfg.Gateway.RateLimit,
		},
		s.logger,
	)
	if err != nil {
		return nil, err
	}

	s.checks = health.NewRegistry()
	s.checks.Register("sessions", func(ctx context.Context) health.Status {
		if _, _, err := s.sessions.Get(ctx, "healthz:probe"); err != nil {
			return health.Status{Name: "sessions", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "sessions", Healthy: true}
	})
	if s.rdb != nil {
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := s.rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())

	// Server-wide protective limiter, ahead of everything else
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RPS:             float64(s.cfg.RateLimitRPS),
		BurstSize:       s.cfg.RateLimitBurst,
		CleanupInterval: time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(8)
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

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Payment-gated routes from the route table. Anything unmatched
	// gets gin's own 404 — unconfigured paths are not proxied.
	s.service.Register(s.router)
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !s.healthy.Load() || !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": statuses})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	tracerShutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracerShutdown = tracerShutdown

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting gateway",
			"port", s.cfg.Port,
			"routes", len(s.cfg.Gateway.Routes),
			"facilitator", s.cfg.FacilitatorURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("gateway ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and all background sweeps
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	s.limits.Close()
	s.sessions.Close()
	s.rateLimiter.Stop()

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("redis close: %w", err)
		}
	}

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tracer shutdown: %w", err)
		}
	}

	s.logger.Info("gateway stopped")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
