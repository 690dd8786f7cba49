package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/roach88/cairn/internal/identity"
	"github.com/roach88/cairn/internal/ir"
)

const principalKey = "principal"

// authenticate verifies the bearer token and stores the principal.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := identity.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return unauthenticated(c, err)
		}
		p, err := s.verifier.Verify(token)
		if err != nil {
			return unauthenticated(c, err)
		}
		c.Set(principalKey, p)
		req := c.Request()
		c.SetRequest(req.WithContext(identity.WithPrincipal(req.Context(), p)))
		return next(c)
	}
}

func principal(c echo.Context) ir.Principal {
	p, _ := c.Get(principalKey).(ir.Principal)
	return p
}

// rateLimiter limits each principal, falling back to the client address.
func rateLimiter(rps float64, burst int) echo.MiddlewareFunc {
	if burst <= 0 {
		burst = 1
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(rps),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if p := principal(c); p.UserID != "" {
				return p.TenantID + "/" + p.UserID, nil
			}
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, id string, err error) error {
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusTooManyRequests, errorEnvelope{Error: &ir.Error{
				Code:    ir.ErrCodeTransientIO,
				Message: "rate limit exceeded",
			}})
		},
	})
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if p := principal(c); p.UserID != "" {
				attrs = append(attrs, "user_id", p.UserID, "tenant_id", p.TenantID, "role", p.Role)
			}
			if v.Error != nil {
				slog.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			slog.Debug("request", attrs...)
			return nil
		},
	})
}
