// Package api is the reference record store server. It serves the
// /verification resource the editor's gateway talks to.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/lemlab/verifier/internal/api/middleware"
	"github.com/lemlab/verifier/internal/buildinfo"
	"github.com/lemlab/verifier/internal/datastore"
	"github.com/lemlab/verifier/internal/errors"
	"github.com/lemlab/verifier/internal/logger"
	"github.com/lemlab/verifier/internal/observability/metrics"
)

// Default server tuning
const (
	DefaultCacheTTL        = time.Minute
	DefaultBodyLimit       = "2M"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
)

// Config holds server settings
type Config struct {
	Listen      string
	RateLimit   float64 // requests per second per client IP, 0 disables
	CacheTTL    time.Duration
	BodyLimit   string
	MetricsPath string // served only when a metrics handler is set
}

// Server wires the datastore to HTTP routes
type Server struct {
	echo   *echo.Echo
	config Config
	store  datastore.Interface
	log    logger.Logger

	cache   *cache.Cache
	flight  singleflight.Group
	metrics *metrics.ServerMetrics

	metricsHandler http.Handler
	buildInfo      buildinfo.BuildInfo
	startTime      time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the server logger
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithMetrics records store operations and cache lookups
func WithMetrics(m *metrics.ServerMetrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMetricsHandler exposes h at Config.MetricsPath
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithBuildInfo reports version metadata on /health
func WithBuildInfo(info buildinfo.BuildInfo) ServerOption {
	return func(s *Server) {
		s.buildInfo = info
	}
}

// New creates the server. Routes are registered immediately so the server can
// be exercised through ServeHTTP without listening.
func New(config Config, store datastore.Interface, opts ...ServerOption) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("api: datastore is required")
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.BodyLimit == "" {
		config.BodyLimit = DefaultBodyLimit
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	s := &Server{
		config:    config,
		store:     store,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewDiscard()
	}
	if s.buildInfo == nil {
		s.buildInfo = (*buildinfo.Context)(nil)
	}
	s.log = s.log.Module("api")
	s.cache = cache.New(config.CacheTTL, 2*config.CacheTTL)

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = DefaultReadTimeout
	s.echo.Server.WriteTimeout = DefaultWriteTimeout
	s.echo.HTTPErrorHandler = s.handleError

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(middleware.NewRequestID())
	s.echo.Use(middleware.NewRequestLogger(s.log, func(c echo.Context) bool {
		return c.Path() == "/health" || c.Path() == s.config.MetricsPath
	}))
	s.echo.Use(echomw.BodyLimit(s.config.BodyLimit))
	s.echo.Use(middleware.NewRateLimiter(s.config.RateLimit))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metricsHandler != nil {
		s.echo.GET(s.config.MetricsPath, echo.WrapHandler(s.metricsHandler))
	}

	g := s.echo.Group("/verification")
	g.GET("/", s.ListVerifications)
	g.POST("/", s.CreateVerification)
	g.GET("/:id", s.GetVerification)
	g.PUT("/:id", s.UpdateVerification)
	g.DELETE("/:id", s.DeleteVerification)
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.buildInfo.GetVersion(),
		"build_date":     s.buildInfo.GetBuildDate(),
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// ServeHTTP makes the server usable with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves on Config.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", logger.String("address", s.config.Listen))
		errCh <- s.echo.Start(s.config.Listen)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	// The go-cache janitor cannot be stopped; flushing releases the records
	s.cache.Flush()
	s.log.Info("server shutdown complete")
	return nil
}
