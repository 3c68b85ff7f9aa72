// Package server is the HTTP surface: chat, ingestion staging, webhook
// management, health and metrics, all wrapped in a uniform response envelope.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"answercore/internal/app"
)

// Server hosts the echo instance over the application wiring.
type Server struct {
	app    *app.App
	echo   *echo.Echo
	logger *zap.Logger
}

// New builds the router with the middleware stack and every route.
func New(a *app.App) *Server {
	s := &Server{app: a, logger: a.Logger.Named("http")}
	cfg := a.Config.Server

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Validator = requestValidator{v: validator.New()}
	if t := cfg.Timeout.Std(); t > 0 {
		e.Server.ReadTimeout = t
		e.Server.WriteTimeout = t
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.CORSOrigins}))
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimit),
				Burst:     cfg.RateBurst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}

	s.routes(e)
	s.echo = e
	return s
}

func (s *Server) routes(e *echo.Echo) {
	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(s.app.Metrics.Handler()))

	chat := e.Group("/chat")
	chat.POST("/completions", s.chatCompletions)
	chat.POST("/stream", s.chatStream)
	chat.POST("/escalate", s.chatEscalate)

	ing := e.Group("/ingestion")
	ing.POST("/upload", s.ingestUpload)
	ing.POST("/staging_draft", s.draftCreate)
	ing.GET("/staging_draft", s.draftList)
	ing.GET("/staging_draft/:id", s.draftGet)
	ing.PATCH("/staging_draft/:id", s.draftUpdate)
	ing.DELETE("/staging_draft/:id", s.draftDelete)
	ing.POST("/staging_draft/:id/chunks", s.chunkAdd)
	ing.PATCH("/staging_draft/:id/chunks/:chunk_id", s.chunkUpdate)
	ing.DELETE("/staging_draft/:id/chunks/:chunk_id", s.chunkDelete)
	ing.PATCH("/staging_draft/:id/metadata", s.draftMetadata)
	ing.POST("/commit", s.ingestCommit)

	wh := e.Group("/webhooks")
	wh.POST("", s.webhookCreate)
	wh.GET("", s.webhookList)
	wh.GET("/:id", s.webhookGet)
	wh.PATCH("/:id", s.webhookUpdate)
	wh.DELETE("/:id", s.webhookDelete)
	wh.GET("/:id/deliveries", s.deliveryList)
	wh.POST("/deliveries/:id/retry", s.deliveryRetry)
	wh.POST("/incoming/:kind", s.incomingWebhook)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("trace_id", v.RequestID))
			return nil
		},
	})
}

// Start blocks serving on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) healthz(c echo.Context) error {
	if err := s.app.Healthz(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, errorEnvelope{Error: errorBody{
			Code:    CodeInternal,
			Message: err.Error(),
			TraceID: traceID(c),
		}})
	}
	return respond(c, http.StatusOK, map[string]string{"status": "ok"})
}
