// Package http provides the HTTP server implementation for the chat relay.
package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/chatrelay/internal/metrics"
	v1 "github.com/xiaot623/gogo/chatrelay/internal/transport/http/v1"
)

// Options configures NewServer.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// UploadsDir is served under /uploads when set.
	UploadsDir string
	// BodyLimit caps request bodies, e.g. "60M".
	BodyLimit string
}

// NewServer creates and configures the public HTTP server.
func NewServer(h *v1.Handler, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = v1.NewValidator()

	// Middleware
	e.Use(middleware.Recover())
	e.Use(observe(opts.Metrics))
	e.Use(requestLogger(opts.Logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, v1.UserIDHeader},
	}))
	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	// Routes
	h.RegisterRoutes(e)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}
	if opts.UploadsDir != "" {
		e.Static("/uploads", opts.UploadsDir)
	}

	return e
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Error("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}

// observe records request counts and latency by route template. Errors are
// already turned into responses by the request logger.
func observe(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			m.ObserveHTTP(c.Request().Method, c.Path(), c.Response().Status, time.Since(start))
			return err
		}
	}
}
