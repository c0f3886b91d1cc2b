// Package gateway is the public HTTP surface of the control plane. Every
// externally reachable endpoint sits behind the deny-by-default security
// context; the only state transitions it can trigger are intent and plan
// approvals, delivered to the control loop through its resume channel.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/config"
	"github.com/fyrsmithlabs/governd/internal/intent"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
	"github.com/fyrsmithlabs/governd/internal/plan"
)

// ControlPlane is the loop surface the gateway reads and signals. The
// gateway never mutates orchestrator state directly.
type ControlPlane interface {
	Snapshot() orchestrator.State
	GuardView() plan.GuardView
	Resume(orchestrator.Signal) error
}

// Options wires the gateway's collaborators.
type Options struct {
	Host    string
	Port    int
	Gateway config.GatewayConfig

	Validator *intent.Validator
	Queue     *intent.Queue
	Registry  *plan.Registry
	Bridge    *plan.Bridge
	Loop      ControlPlane
	Audit     *audit.Log

	// MetricsHandler serves GET /metrics when non-nil (promhttp in
	// production).
	MetricsHandler http.Handler

	Logger *zap.Logger
}

// Server is the public gateway.
type Server struct {
	echo     *echo.Echo
	host     string
	port     int
	security *SecurityContext

	validator *intent.Validator
	queue     *intent.Queue
	registry  *plan.Registry
	bridge    *plan.Bridge
	loop      ControlPlane
	auditLog  *audit.Log
	logger    *zap.Logger
}

// NewServer creates the gateway with its full middleware chain.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Validator == nil, opts.Queue == nil, opts.Registry == nil,
		opts.Bridge == nil, opts.Loop == nil, opts.Audit == nil:
		return nil, fmt.Errorf("gateway missing a required collaborator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gateway")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
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
	e.Use(NewHTTPMetrics(logger).Middleware())

	security := NewSecurityContext(opts.Gateway, logger)
	e.Use(security.Middleware())

	s := &Server{
		echo:      e,
		host:      opts.Host,
		port:      opts.Port,
		security:  security,
		validator: opts.Validator,
		queue:     opts.Queue,
		registry:  opts.Registry,
		bridge:    opts.Bridge,
		loop:      opts.Loop,
		auditLog:  opts.Audit,
		logger:    logger,
	}
	s.registerRoutes(opts.MetricsHandler)
	return s, nil
}

func (s *Server) registerRoutes(metricsHandler http.Handler) {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/readyz", s.handleReadyz)
	if metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	s.echo.POST("/intent", s.handleSubmitIntent)

	g := s.echo.Group("/governance")
	g.GET("/orchestrator-state", s.handleOrchestratorState)
	g.GET("/plans", s.handlePlans)
	g.GET("/plans/:plan_id", s.handlePlanByID)
	g.GET("/intents", s.handleIntents)
	g.GET("/audit", s.handleAuditTrail)
	g.POST("/approve/:intent_id", s.handleApproveIntent)
	g.POST("/approve-composed-plan", s.handleApproveComposedPlan)
}

// Handler exposes the echo handler for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the gateway listener.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("starting gateway", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")
	return s.echo.Shutdown(ctx)
}
