// Package server exposes the engine over HTTP.
//
// Every route except /health requires a bearer token; the principal it
// asserts is the only identity the engine sees. Errors carry the engine's
// typed error in a JSON envelope so clients can act on the code.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/roach88/cairn/internal/audit"
	"github.com/roach88/cairn/internal/engine"
	"github.com/roach88/cairn/internal/identity"
	"github.com/roach88/cairn/internal/ir"
)

// Config holds transport settings.
type Config struct {
	RateLimit       float64 // requests per second per principal; 0 disables
	RateBurst       int
	ShutdownTimeout time.Duration
}

// Server is the HTTP API.
type Server struct {
	engine    *engine.Engine
	validator *audit.Validator
	verifier  *identity.Verifier
	cfg       Config
	echo      *echo.Echo
}

// New builds the server and registers its routes.
func New(eng *engine.Engine, validator *audit.Validator, verifier *identity.Verifier, cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		engine:    eng,
		validator: validator,
		verifier:  verifier,
		cfg:       cfg,
		echo:      echo.New(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleHTTPError
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	e.GET("/health", s.health)

	v1 := e.Group("/v1", s.authenticate)
	if s.cfg.RateLimit > 0 {
		v1.Use(rateLimiter(s.cfg.RateLimit, s.cfg.RateBurst))
	}

	v1.POST("/events", s.submitEvent)
	v1.GET("/aggregates", s.queryAggregates)
	v1.GET("/aggregates/:id", s.getAggregate)
	v1.GET("/aggregates/:id/events", s.readEvents)
	v1.GET("/subscribe", s.subscribe)
	v1.GET("/export", s.export)

	v1.POST("/grants", s.createGrant)
	v1.GET("/grants", s.listGrants)
	v1.POST("/grants/:id/revoke", s.revokeGrant)

	v1.POST("/audit/:id/verify", s.verifyAggregate)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	slog.Info("http server shutting down")
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c echo.Context) error {
	if err := s.engine.Store().DB().PingContext(c.Request().Context()); err != nil {
		slog.Error("health check failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database unavailable",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": ir.EngineVersion,
	})
}
