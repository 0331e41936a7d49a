// Package http exposes droverd's status and control API: read-only
// pipeline state for UI collaborators, lifecycle controls for
// operational tooling, and the health and metrics endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/drover/internal/gateway"
	"github.com/fyrsmithlabs/drover/internal/pipeline"
	"github.com/fyrsmithlabs/drover/internal/poller"
	"github.com/fyrsmithlabs/drover/internal/recovery"
	"github.com/fyrsmithlabs/drover/internal/store"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Repo and Version are echoed in the status response.
	Repo    string
	Version string
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: "localhost",
		Port: 9820,
	}
}

// Server serves the status and control API.
type Server struct {
	echo     *echo.Echo
	config   *Config
	store    store.Store
	poller   poller.Poller
	recovery recovery.Recovery
	gateway  gateway.Gateway
	metrics  http.Handler
	logger   *zap.Logger
}

// NewServer builds the API server. metrics is the scrape handler
// mounted at /metrics; nil leaves the route unregistered. A nil
// logger logs nowhere.
func NewServer(cfg *Config, st store.Store, pol poller.Poller, rec recovery.Recovery, gw gateway.Gateway, metrics http.Handler, logger *zap.Logger) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if pol == nil {
		return nil, fmt.Errorf("poller is required")
	}
	if rec == nil {
		return nil, fmt.Errorf("recovery is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		config:   cfg,
		store:    st,
		poller:   pol,
		recovery: rec,
		gateway:  gw,
		metrics:  metrics,
		logger:   logger,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/issues", s.handleIssues)
	v1.GET("/issues/:number", s.handleIssue)
	v1.POST("/issues/:number/subissues", s.handleCreateSubIssue)
	v1.POST("/control/start", s.handleControlStart)
	v1.POST("/control/stop", s.handleControlStop)
	v1.POST("/control/sweep", s.handleControlSweep)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	states, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("failed to list pipeline state", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list pipeline state")
	}

	byStage := make(map[string]int)
	for _, state := range states {
		byStage[state.Stage.String()]++
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Repo:    s.config.Repo,
		Poller:  s.poller.Status(),
		Recovery: RecoveryStatus{
			Running:   s.recovery.Running(),
			LastSweep: s.recovery.LastReport(),
		},
		Issues: IssueCounts{
			Total:   len(states),
			ByStage: byStage,
		},
	})
}

func (s *Server) handleIssues(c echo.Context) error {
	ctx := c.Request().Context()

	var states []pipeline.State
	var err error
	if raw := c.QueryParam("stage"); raw != "" {
		var stage pipeline.Stage
		if uerr := stage.UnmarshalText([]byte(raw)); uerr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown stage %q", raw))
		}
		states, err = s.store.ListByStage(ctx, stage)
	} else {
		states, err = s.store.List(ctx)
	}
	if err != nil {
		s.logger.Error("failed to list pipeline state", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list pipeline state")
	}

	if states == nil {
		states = []pipeline.State{}
	}
	return c.JSON(http.StatusOK, IssuesResponse{Issues: states, Count: len(states)})
}

func (s *Server) handleIssue(c echo.Context) error {
	number, err := issueNumber(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	state, err := s.store.Get(ctx, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("issue #%d is not tracked", number))
		}
		s.logger.Error("failed to load pipeline state",
			zap.Int("issue", number), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load pipeline state")
	}

	subs, err := s.store.SubIssues(ctx, number)
	if err != nil {
		s.logger.Error("failed to load sub-issues",
			zap.Int("issue", number), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load sub-issues")
	}

	return c.JSON(http.StatusOK, IssueDetail{State: state, SubIssues: subs})
}

func (s *Server) handleCreateSubIssue(c echo.Context) error {
	number, err := issueNumber(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var req SubIssueRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid sub-issue request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title field is required")
	}

	if _, err := s.store.Get(ctx, number); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("issue #%d is not tracked", number))
		}
		s.logger.Error("failed to load pipeline state",
			zap.Int("issue", number), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load pipeline state")
	}

	sub, err := s.gateway.CreateSubIssue(ctx, number, gateway.SubIssueSpec{
		Title: req.Title,
		Body:  req.Body,
		Agent: req.Agent,
	})
	if err != nil {
		s.logger.Warn("failed to create sub-issue",
			zap.Int("parent", number), zap.Error(err))
		if gateway.IsRateLimited(err) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "gateway rate limited")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "failed to create sub-issue")
	}

	// Persist immediately; the tracker would re-record it next cycle
	// anyway, so a store failure here is not worth failing the request.
	if err := s.store.PutSubIssue(ctx, sub); err != nil {
		s.logger.Warn("failed to persist created sub-issue",
			zap.Int("parent", number), zap.Int("sub_issue", sub.Number), zap.Error(err))
	}

	s.logger.Info("created sub-issue",
		zap.Int("parent", number),
		zap.Int("sub_issue", sub.Number),
		zap.String("agent", sub.Agent))

	return c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleControlStart(c echo.Context) error {
	// Detached from the request context so the loops outlive it.
	ctx := context.WithoutCancel(c.Request().Context())
	s.poller.Start(ctx)
	s.recovery.Start(ctx)

	s.logger.Info("pipeline started via control api")
	return c.JSON(http.StatusOK, ControlResponse{Status: "started"})
}

func (s *Server) handleControlStop(c echo.Context) error {
	// Stop waits for in-flight work, so the response confirms the halt.
	s.poller.Stop()
	s.recovery.Stop()

	s.logger.Info("pipeline stopped via control api")
	return c.JSON(http.StatusOK, ControlResponse{Status: "stopped"})
}

func (s *Server) handleControlSweep(c echo.Context) error {
	report, err := s.recovery.Sweep(c.Request().Context())
	if err != nil {
		s.logger.Error("recovery sweep failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "recovery sweep failed")
	}
	return c.JSON(http.StatusOK, report)
}

func issueNumber(c echo.Context) (int, error) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid issue number %q", c.Param("number")))
	}
	return number, nil
}

// Start begins serving and blocks until shutdown or listen failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
