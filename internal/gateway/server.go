// Package gateway implements the HTTP control surface and the websocket
// timeline stream.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sentinel-agent/alertflow/internal/config"
	"github.com/sentinel-agent/alertflow/internal/logging"
	"github.com/sentinel-agent/alertflow/internal/pipeline"
	"github.com/sentinel-agent/alertflow/internal/session"
)

const serviceName = "alertflow"

// ConnCounter reports how many bus connections are open.
type ConnCounter interface {
	Len() int
}

// Server is the control API of the pipeline.
type Server struct {
	cfg       config.WebConfig
	orch      *pipeline.Orchestrator
	sessions  *session.Registry
	conns     ConnCounter
	hub       *Hub
	echo      *echo.Echo
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer builds the server and registers its routes. conns and hub may
// be nil.
func NewServer(cfg config.WebConfig, orch *pipeline.Orchestrator, sessions *session.Registry, conns ConnCounter, hub *Hub, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		sessions:  sessions,
		conns:     conns,
		hub:       hub,
		logger:    logger.With().Str("component", "gateway").Logger(),
		startTime: time.Now(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: logging.NewRequestID}))
	e.Use(s.loggingMiddleware)

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctl := e.Group("/control", s.requireAPIKey)
	ctl.POST("/start", s.handleStart)
	ctl.POST("/type/finished", s.handleTypeFinished)
	ctl.POST("/stage/started", s.handleStageStarted)
	ctl.POST("/stage/finished", s.handleStageFinished)
	ctl.POST("/flow/finished", s.handleFlowFinished)
	ctl.GET("/status/:id", s.handleStatus)
	ctl.GET("/sessions", s.handleSessions)
	ctl.DELETE("/session/:id", s.handleDeleteSession)
	ctl.GET("/memory/stats", s.handleMemoryStats)
	ctl.POST("/memory/cleanup", s.handleMemoryCleanup)

	if hub != nil {
		e.GET("/ws/timeline", func(c echo.Context) error {
			return hub.ServeWS(c.Response(), c.Request())
		}, s.requireAPIKey)
	}

	s.echo = e
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		if err := s.echo.Shutdown(shutCtx); err != nil {
			s.logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("starting control API")
	if err := s.echo.Start(s.cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Middleware ---

func (s *Server) loggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Debug().
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", c.Response().Status).
			Dur("duration", time.Since(start)).
			Msg("request")
		return nil
	}
}
