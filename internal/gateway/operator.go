package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/orchestrator"
)

// OperatorServer is the loopback-only operator channel. Resume signals are
// deliberately unreachable through the public gateway; this listener is the
// single way to move the control loop out of HALT.
type OperatorServer struct {
	echo     *echo.Echo
	addr     string
	keys     map[string]bool
	loop     ControlPlane
	auditLog *audit.Log
	logger   *zap.Logger
}

// OperatorOptions wires the operator listener.
type OperatorOptions struct {
	Addr    string
	APIKeys []string
	Loop    ControlPlane
	Audit   *audit.Log
	Logger  *zap.Logger
}

// NewOperatorServer creates the operator listener.
func NewOperatorServer(opts OperatorOptions) (*OperatorServer, error) {
	if opts.Loop == nil || opts.Audit == nil {
		return nil, fmt.Errorf("operator server missing a required collaborator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("operator")

	keys := make(map[string]bool, len(opts.APIKeys))
	for _, k := range opts.APIKeys {
		keys[k] = true
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &OperatorServer{
		echo:     e,
		addr:     opts.Addr,
		keys:     keys,
		loop:     opts.Loop,
		auditLog: opts.Audit,
		logger:   logger,
	}
	e.Use(s.authMiddleware())
	e.POST("/internal/resume", s.handleResume)
	return s, nil
}

// authMiddleware applies the same bearer-key check as the public gateway.
// The listener binds loopback only, but a valid key is still required.
func (s *OperatorServer) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(s.keys) == 0 {
				return next(c)
			}
			header := c.Request().Header.Get("Authorization")
			key, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !s.keys[key] {
				return errorJSON(c, http.StatusUnauthorized, CodeAuthInvalidKey, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// ResumeResponse is the body of POST /internal/resume.
type ResumeResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *OperatorServer) handleResume(c echo.Context) error {
	var sig orchestrator.Signal
	if err := c.Bind(&sig); err != nil {
		return errorJSON(c, http.StatusBadRequest, CodeInvalidRequest, "malformed resume signal")
	}

	if err := s.loop.Resume(sig); err != nil {
		s.auditLog.Emit(audit.Event{
			Actor:     "operator",
			Operation: audit.OpResumeOutcome,
			Result:    "signal_refused",
			Details:   map[string]any{"message": err.Error()},
		})
		return errorJSON(c, http.StatusConflict, CodeAlreadyTransitioned, "a resume signal is already pending")
	}

	s.auditLog.Emit(audit.Event{
		Actor:     "operator",
		Operation: audit.OpResumeOutcome,
		Result:    "signal_delivered",
		Details: map[string]any{
			"step_id":          sig.StepID,
			"approve_plan_id":  sig.ApprovePlanID,
			"approve_phase_id": sig.ApprovePhaseID,
			"skip_phases":      sig.SkipPhases,
			"abort":            sig.Abort,
		},
	})
	s.logger.Info("resume signal delivered",
		zap.Int("step_id", sig.StepID),
		zap.String("approve_plan_id", sig.ApprovePlanID),
		zap.Bool("abort", sig.Abort))
	return c.JSON(http.StatusOK, ResumeResponse{
		Status:    "accepted",
		Message:   "resume signal delivered to the control loop",
		Timestamp: time.Now().UTC(),
	})
}

// Handler exposes the echo handler for tests.
func (s *OperatorServer) Handler() http.Handler { return s.echo }

// Start starts the operator listener.
func (s *OperatorServer) Start() error {
	s.logger.Info("starting operator listener", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the listener.
func (s *OperatorServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
