package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/intent"
	"github.com/fyrsmithlabs/governd/internal/plan"
)

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// IntentResponse is the body of POST /intent. Submission never executes
// side effects synchronously; an accepted intent only enters the queue.
type IntentResponse struct {
	Status         string              `json:"status"`
	IntentID       string              `json:"intent_id,omitempty"`
	ComposedPlanID string              `json:"composed_plan_id,omitempty"`
	Message        string              `json:"message"`
	Errors         []intent.FieldError `json:"errors,omitempty"`
}

func (s *Server) handleSubmitIntent(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, CodeInvalidRequest, "unreadable request body")
	}

	in, fieldErrs := s.validator.Validate(body)
	if len(fieldErrs) > 0 {
		s.auditLog.Emit(audit.Event{
			Actor:     "gateway",
			Operation: audit.OpSubmitIntent,
			Result:    "rejected",
			Details:   map[string]any{"error_count": len(fieldErrs)},
		})
		return c.JSON(http.StatusOK, IntentResponse{
			Status:  "rejected",
			Message: "intent failed schema validation",
			Errors:  fieldErrs,
		})
	}

	id := s.queue.Add(in)
	s.auditLog.Emit(audit.Event{
		Actor:     "gateway",
		Operation: audit.OpSubmitIntent,
		Resource:  id,
		Result:    "accepted",
		Details: map[string]any{
			"intent": in.Payload.Intent,
			"source": in.Payload.Source,
			"mode":   in.Payload.Mode,
		},
	})
	s.logger.Info("intent queued",
		zap.String("intent_id", id),
		zap.String("intent", in.Payload.Intent))

	return c.JSON(http.StatusOK, IntentResponse{
		Status:   "accepted",
		IntentID: id,
		Message:  "intent queued pending approval",
	})
}

// OrchestratorStateResponse is the body of GET /governance/orchestrator-state.
type OrchestratorStateResponse struct {
	Halted             bool      `json:"halted"`
	HaltReason         string    `json:"halt_reason,omitempty"`
	CurrentPlanID      string    `json:"current_plan_id,omitempty"`
	CurrentPhase       string    `json:"current_phase,omitempty"`
	ApprovedPhaseID    string    `json:"approved_phase_id,omitempty"`
	ApprovedPlanID     string    `json:"approved_plan_id,omitempty"`
	CompletedPhases    []string  `json:"completed_phases"`
	SkippedPhases      []string  `json:"skipped_phases"`
	ActivePlanCount    int       `json:"active_plan_count"`
	PendingIntentCount int       `json:"pending_intent_count"`
	Timestamp          time.Time `json:"timestamp"`
}

func (s *Server) handleOrchestratorState(c echo.Context) error {
	st := s.loop.Snapshot()
	active := len(s.registry.ByState(plan.StateApproved)) + len(s.registry.ByState(plan.StateExecuting))

	s.auditLog.Emit(audit.Event{
		Actor:     "gateway",
		Operation: audit.OpGetOrchestratorState,
		Result:    "success",
	})
	return c.JSON(http.StatusOK, OrchestratorStateResponse{
		Halted:             st.Halted,
		HaltReason:         st.HaltReason,
		CurrentPlanID:      st.CurrentPlanID,
		CurrentPhase:       st.CurrentPhase,
		ApprovedPhaseID:    st.ApprovedPhaseID,
		ApprovedPlanID:     st.ApprovedPlanID,
		CompletedPhases:    emptyIfNil(st.CompletedPhases),
		SkippedPhases:      emptyIfNil(st.SkippedPhases),
		ActivePlanCount:    active,
		PendingIntentCount: s.queue.PendingCount(),
		Timestamp:          time.Now().UTC(),
	})
}

// PlansResponse is the body of GET /governance/plans.
type PlansResponse struct {
	Pending   []plan.ComposedPlan `json:"pending"`
	Approved  []plan.ComposedPlan `json:"approved"`
	Executing []plan.ComposedPlan `json:"executing"`
	Completed []plan.ComposedPlan `json:"completed"`
	Timestamp time.Time           `json:"timestamp"`
}

func (s *Server) handlePlans(c echo.Context) error {
	s.auditLog.Emit(audit.Event{
		Actor:     "gateway",
		Operation: audit.OpGetPlans,
		Result:    "success",
	})
	return c.JSON(http.StatusOK, PlansResponse{
		Pending:   s.registry.ByState(plan.StatePending),
		Approved:  s.registry.ByState(plan.StateApproved),
		Executing: s.registry.ByState(plan.StateExecuting),
		Completed: s.registry.ByState(plan.StateCompleted),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handlePlanByID(c echo.Context) error {
	planID := c.Param("plan_id")
	p, ok := s.registry.Get(planID)

	result := "success"
	if !ok {
		result = "not_found"
	}
	s.auditLog.Emit(audit.Event{
		Actor:     "gateway",
		Operation: audit.OpGetPlan,
		Resource:  planID,
		Result:    result,
	})

	if !ok {
		return errorJSON(c, http.StatusNotFound, CodePlanNotFound, "plan not found")
	}
	return c.JSON(http.StatusOK, p)
}

// IntentsResponse is the body of GET /governance/intents.
type IntentsResponse struct {
	Pending   []intent.Intent `json:"pending"`
	Approved  []intent.Intent `json:"approved"`
	Rejected  []intent.Intent `json:"rejected"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) handleIntents(c echo.Context) error {
	s.auditLog.Emit(audit.Event{
		Actor:     "gateway",
		Operation: audit.OpGetIntents,
		Result:    "success",
	})
	return c.JSON(http.StatusOK, IntentsResponse{
		Pending:   s.queue.Pending(),
		Approved:  s.queue.Approved(),
		Rejected:  s.queue.Rejected(),
		Timestamp: time.Now().UTC(),
	})
}

// AuditResponse is the body of GET /governance/audit.
type AuditResponse struct {
	Events    []audit.Event `json:"events"`
	Total     int           `json:"total"`
	Offset    int           `json:"offset"`
	Limit     int           `json:"limit"`
	Timestamp time.Time     `json:"timestamp"`
}

func (s *Server) handleAuditTrail(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			return errorJSON(c, http.StatusBadRequest, CodeInvalidRequest, "limit must be an integer in [1,1000]")
		}
		limit = v
	}
	offset := 0
	if raw := c.QueryParam("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return errorJSON(c, http.StatusBadRequest, CodeInvalidRequest, "offset must be a non-negative integer")
		}
		offset = v
	}

	filter := audit.Filter{PlanID: c.QueryParam("plan_id")}
	events := s.auditLog.Events(filter, limit, offset)
	total := s.auditLog.Count(filter)

	s.auditLog.Emit(audit.Event{
		Actor:     "gateway",
		Operation: audit.OpGetAuditTrail,
		Result:    "success",
		Details:   map[string]any{"limit": limit, "offset": offset, "returned": len(events)},
	})
	return c.JSON(http.StatusOK, AuditResponse{
		Events:    events,
		Total:     total,
		Offset:    offset,
		Limit:     limit,
		Timestamp: time.Now().UTC(),
	})
}

// ApprovalResponse is the body of the approval endpoints.
type ApprovalResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleApproveIntent(c echo.Context) error {
	intentID := c.Param("intent_id")

	in, ok := s.queue.Get(intentID)
	if !ok {
		s.auditLog.Emit(audit.Event{
			Actor:     "human",
			Operation: audit.OpApproveIntent,
			Resource:  intentID,
			Result:    "not_found",
		})
		return errorJSON(c, http.StatusNotFound, CodeIntentNotFound, "intent not found")
	}

	// The queue's own pending check is the idempotency guard; re-checking
	// status first just shapes the 409 message.
	if !s.queue.Approve(intentID, "") {
		s.auditLog.Emit(audit.Event{
			Actor:     "human",
			Operation: audit.OpApproveIntent,
			Resource:  intentID,
			Result:    "already_transitioned",
			Details:   map[string]any{"status": string(in.Status)},
		})
		return errorJSON(c, http.StatusConflict, CodeAlreadyTransitioned, "intent is no longer pending")
	}

	s.auditLog.Emit(audit.Event{
		Actor:     "human",
		Operation: audit.OpApproveIntent,
		Resource:  intentID,
		Result:    "approved",
		Details:   map[string]any{"intent": in.Payload.Intent},
	})
	s.logger.Info("intent approved", zap.String("intent_id", intentID))
	return c.JSON(http.StatusOK, ApprovalResponse{
		Status:    "approved",
		Message:   "intent approved",
		Timestamp: time.Now().UTC(),
	})
}

// approvePlanRequest is the body of POST /governance/approve-composed-plan.
type approvePlanRequest struct {
	PlanID string `json:"plan_id"`
}

func (s *Server) handleApproveComposedPlan(c echo.Context) error {
	var req approvePlanRequest
	if err := c.Bind(&req); err != nil || req.PlanID == "" {
		return errorJSON(c, http.StatusBadRequest, CodeInvalidRequest, "plan_id is required")
	}

	err := s.bridge.Approve(s.loop.GuardView(), req.PlanID)
	switch {
	case errors.Is(err, plan.ErrNotFound):
		s.auditLog.Emit(audit.Event{
			Actor:     "human",
			Operation: audit.OpApprovePlan,
			Resource:  req.PlanID,
			Result:    "not_found",
		})
		return errorJSON(c, http.StatusNotFound, CodePlanNotFound, "plan not found")
	case errors.Is(err, plan.ErrIllegalTransition):
		s.auditLog.Emit(audit.Event{
			Actor:     "human",
			Operation: audit.OpApprovePlan,
			Resource:  req.PlanID,
			Result:    "already_transitioned",
		})
		return errorJSON(c, http.StatusConflict, CodeAlreadyTransitioned, "plan is no longer pending")
	case errors.Is(err, plan.ErrNotHalted):
		s.auditLog.Emit(audit.Event{
			Actor:     "human",
			Operation: audit.OpApprovePlan,
			Resource:  req.PlanID,
			Result:    "loop_not_halted",
		})
		return errorJSON(c, http.StatusConflict, CodeAlreadyTransitioned, "control loop is not awaiting a decision")
	case err != nil:
		s.logger.Error("plan approval failed", zap.String("plan_id", req.PlanID), zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, CodeServerError, "internal error")
	}

	s.auditLog.Emit(audit.Event{
		Actor:     "human",
		Operation: audit.OpApprovePlan,
		Resource:  req.PlanID,
		Result:    "approved",
	})
	s.logger.Info("composed plan approved", zap.String("plan_id", req.PlanID))
	return c.JSON(http.StatusOK, ApprovalResponse{
		Status:    "approved",
		Message:   "plan approved; deliver an approve_plan_id resume signal to begin execution",
		Timestamp: time.Now().UTC(),
	})
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
