// Package orchestrator runs the HALT state machine at the center of the
// control plane. The loop is the single writer of runtime state: it requests
// intents from the reasoning backend, pushes them through the confidence
// gate, triggers plan composition, and walks approved plans phase by phase.
// Every decision boundary halts the loop until an operator resume signal
// arrives on the resume channel.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/backend"
	"github.com/fyrsmithlabs/governd/internal/calibration"
	"github.com/fyrsmithlabs/governd/internal/composer"
	"github.com/fyrsmithlabs/governd/internal/intent"
	"github.com/fyrsmithlabs/governd/internal/plan"
	"github.com/fyrsmithlabs/governd/internal/policy"
)

// Plan composition modes. Single asks for one plan, set negotiates 2-3
// alternatives, delegate fans out to framed sub-agents.
const (
	PlanModeSingle   = "single"
	PlanModeSet      = "set"
	PlanModeDelegate = "delegate"
)

// applyPatchThreshold is the calibrated confidence an apply_patch intent
// must clear in addition to matching the mandated step.
const applyPatchThreshold = 0.80

// reflectionBoost is added to confidence on the single reflection retry.
const reflectionBoost = 0.20

// Signal resumes a halted loop. Zero or more fields may be set; values
// incompatible with the current halt state are cleared without effect.
type Signal struct {
	StepID         int      `json:"step_id,omitempty"`
	ApprovePlanID  string   `json:"approve_plan_id,omitempty"`
	ApprovePhaseID string   `json:"approve_phase_id,omitempty"`
	SkipPhases     []string `json:"skip_phases,omitempty"`
	Abort          bool     `json:"abort,omitempty"`
}

// State is the orchestrator's runtime record. The loop is its only writer;
// Snapshot hands out copies for the gateway's read endpoints.
type State struct {
	Halted          bool            `json:"halted"`
	HaltReason      string          `json:"halt_reason,omitempty"`
	Mode            string          `json:"mode"`
	CurrentPlanID   string          `json:"current_plan_id,omitempty"`
	CurrentPhase    string          `json:"current_phase,omitempty"`
	ApprovedStepID  int             `json:"approved_step_id,omitempty"`
	ApprovedPhaseID string          `json:"approved_phase_id,omitempty"`
	ApprovedPlanID  string          `json:"approved_plan_id,omitempty"`
	CompletedPhases []string        `json:"completed_phases"`
	SkippedPhases   []string        `json:"skipped_phases"`
	StagedPhaseID   string          `json:"staged_phase_id,omitempty"`
	LastRejected    *intent.Payload `json:"last_rejected_intent,omitempty"`
	Iterations      int             `json:"iterations"`
}

// Options wires the orchestrator's collaborators. Everything is injected;
// the orchestrator owns no construction.
type Options struct {
	Queue       *intent.Queue
	Validator   *intent.Validator
	Registry    *plan.Registry
	Bridge      *plan.Bridge
	Calibration *calibration.Engine
	Composer    *composer.Composer
	Reasoner    backend.Reasoner
	Gate        backend.Gate
	Executor    backend.ToolExecutor
	Audit       *audit.Log
	Policy      *policy.Policy

	// PlanMode selects single / set / delegate composition.
	PlanMode string
	// LoopInterval paces RUNNING iterations. Defaults to 1s.
	LoopInterval time.Duration
	// HistoryPath feeds prior-outcome context into intent prompts.
	HistoryPath string

	Logger *zap.Logger
}

// Orchestrator is the control loop.
type Orchestrator struct {
	queue     *intent.Queue
	validator *intent.Validator
	registry  *plan.Registry
	bridge    *plan.Bridge
	calib     *calibration.Engine
	comp      *composer.Composer
	reasoner  backend.Reasoner
	gate      backend.Gate
	executor  backend.ToolExecutor
	auditLog  *audit.Log
	pol       *policy.Policy
	logger    *zap.Logger

	planMode     string
	loopInterval time.Duration
	historyPath  string

	resume chan Signal

	mu        sync.RWMutex
	state     State
	reflected bool
	// flatDone counts executed steps of the current flat plan.
	flatDone int
	// phaseIndex is the cursor into the current phased plan.
	phaseIndex int
}

// New creates an orchestrator in the RUNNING state with mode reason-only.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Queue == nil, opts.Registry == nil, opts.Bridge == nil,
		opts.Calibration == nil, opts.Composer == nil, opts.Reasoner == nil,
		opts.Gate == nil, opts.Executor == nil, opts.Policy == nil:
		return nil, fmt.Errorf("orchestrator missing a required collaborator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	planMode := opts.PlanMode
	if planMode == "" {
		planMode = PlanModeSingle
	}
	interval := opts.LoopInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Orchestrator{
		queue:        opts.Queue,
		validator:    opts.Validator,
		registry:     opts.Registry,
		bridge:       opts.Bridge,
		calib:        opts.Calibration,
		comp:         opts.Composer,
		reasoner:     opts.Reasoner,
		gate:         opts.Gate,
		executor:     opts.Executor,
		auditLog:     opts.Audit,
		pol:          opts.Policy,
		logger:       logger.Named("orchestrator"),
		planMode:     planMode,
		loopInterval: interval,
		historyPath:  opts.HistoryPath,
		resume:       make(chan Signal, 1),
		state:        State{Mode: intent.ModeReasonOnly},
	}, nil
}

// Snapshot returns a copy of the runtime state for read endpoints.
func (o *Orchestrator) Snapshot() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.state
	s.CompletedPhases = append([]string(nil), o.state.CompletedPhases...)
	s.SkippedPhases = append([]string(nil), o.state.SkippedPhases...)
	if o.state.LastRejected != nil {
		lr := *o.state.LastRejected
		s.LastRejected = &lr
	}
	return s
}

// GuardView exposes the slice of state the approval bridge validates.
func (o *Orchestrator) GuardView() plan.GuardView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return plan.GuardView{Halted: o.state.Halted, HaltReason: o.state.HaltReason}
}

// Resume delivers an operator signal to a halted loop. Returns an error if
// a prior signal is still unconsumed.
func (o *Orchestrator) Resume(sig Signal) error {
	select {
	case o.resume <- sig:
		return nil
	default:
		return fmt.Errorf("resume signal already pending")
	}
}

// Run executes the control loop until the context is cancelled. The loop
// alternates between RUNNING iterations and blocking HALT waits.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("control loop starting",
		zap.String("plan_mode", o.planMode),
		zap.Duration("interval", o.loopInterval))

	ticker := time.NewTicker(o.loopInterval)
	defer ticker.Stop()

	for {
		if o.halted() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sig := <-o.resume:
				o.applyResume(ctx, sig)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-o.resume:
			// A signal to a running loop clears its values (no-op) but
			// is still audited.
			o.emitResumeOutcome(sig, "ignored_not_halted")
		case <-ticker.C:
			o.iterate(ctx)
		}
	}
}

func (o *Orchestrator) halted() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Halted
}

// halt stops the loop at a decision boundary. Every failure path funnels
// through here so halted can never be left inconsistent.
func (o *Orchestrator) halt(reason string) {
	o.mu.Lock()
	o.state.Halted = true
	o.state.HaltReason = reason
	o.mu.Unlock()
	o.logger.Info("entering HALT", zap.String("reason", reason))
}

func (o *Orchestrator) unhalt() {
	o.mu.Lock()
	o.state.Halted = false
	o.state.HaltReason = ""
	o.mu.Unlock()
}

func (o *Orchestrator) setState(mutate func(s *State)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	mutate(&o.state)
}

func (o *Orchestrator) emit(e audit.Event) {
	if o.auditLog == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = "orchestrator"
	}
	o.auditLog.Emit(e)
}

func (o *Orchestrator) emitResumeOutcome(sig Signal, outcome string) {
	o.emit(audit.Event{
		Operation: audit.OpResumeOutcome,
		Result:    outcome,
		Details: map[string]any{
			"step_id":          sig.StepID,
			"approve_plan_id":  sig.ApprovePlanID,
			"approve_phase_id": sig.ApprovePhaseID,
			"skip_phases":      sig.SkipPhases,
			"abort":            sig.Abort,
		},
	})
}

// applyResume consumes an operator signal. Predictive staging is always
// cleared: staged metadata must never survive a human decision. The loop
// unhalts first; signal handling may install a fresh halt (flat plans wait
// for a step mandate, phased plans for the next phase).
func (o *Orchestrator) applyResume(ctx context.Context, sig Signal) {
	o.setState(func(s *State) { s.StagedPhaseID = "" })
	o.unhalt()

	if sig.Abort {
		o.abort()
		o.emitResumeOutcome(sig, "aborted")
		return
	}

	outcome := "resumed"

	if len(sig.SkipPhases) > 0 {
		if o.pol.PhaseExecution.AllowPhaseSkipping {
			o.setState(func(s *State) {
				s.SkippedPhases = append(s.SkippedPhases, sig.SkipPhases...)
			})
		} else {
			outcome = "skip_refused_by_policy"
			sig.SkipPhases = nil
		}
	}

	if sig.ApprovePlanID != "" {
		if err := o.bridge.BeginExecution(sig.ApprovePlanID); err != nil {
			o.logger.Warn("plan approval signal incompatible", zap.String("plan_id", sig.ApprovePlanID), zap.Error(err))
			outcome = "plan_approval_cleared"
			sig.ApprovePlanID = ""
		} else {
			o.beginPlan(sig.ApprovePlanID)
			outcome = "plan_execution_started"
		}
	}

	// Approvals that match no pending decision are cleared, never stored:
	// a stale phase or step mandate must not auto-approve a later boundary.
	if sig.ApprovePhaseID != "" {
		if pending := o.pendingPhaseID(); pending == sig.ApprovePhaseID {
			o.setState(func(s *State) { s.ApprovedPhaseID = sig.ApprovePhaseID })
		} else {
			o.logger.Warn("phase approval signal incompatible",
				zap.String("phase_id", sig.ApprovePhaseID),
				zap.String("pending_phase_id", pending))
			outcome = "phase_approval_cleared"
			sig.ApprovePhaseID = ""
		}
	}
	if sig.StepID > 0 {
		if o.flatStepPending(sig.StepID) {
			o.setState(func(s *State) { s.ApprovedStepID = sig.StepID })
		} else {
			o.logger.Warn("step approval signal incompatible", zap.Int("step_id", sig.StepID))
			outcome = "step_approval_cleared"
			sig.StepID = 0
		}
	}

	o.emitResumeOutcome(sig, outcome)

	// An approved phased plan advances immediately rather than waiting for
	// the next tick.
	if o.currentPhasedPlan() != nil {
		o.runPhases(ctx)
	}
}

// abort clears all pending approvals and rejects the in-flight plan.
func (o *Orchestrator) abort() {
	planID := ""
	o.setState(func(s *State) {
		planID = s.CurrentPlanID
		s.CurrentPlanID = ""
		s.CurrentPhase = ""
		s.ApprovedStepID = 0
		s.ApprovedPhaseID = ""
		s.ApprovedPlanID = ""
		s.CompletedPhases = nil
		s.SkippedPhases = nil
		s.LastRejected = nil
	})
	o.mu.Lock()
	o.reflected = false
	o.flatDone = 0
	o.phaseIndex = 0
	o.mu.Unlock()

	if planID != "" {
		if p, ok := o.registry.Get(planID); ok && p.State == plan.StateExecuting {
			if err := o.registry.Transition(planID, plan.StateRejected); err != nil {
				o.logger.Warn("abort could not reject plan", zap.String("plan_id", planID), zap.Error(err))
			}
		}
	}
	o.logger.Info("abort processed", zap.String("plan_id", planID))
}

// beginPlan installs an executing plan as the loop's current work.
func (o *Orchestrator) beginPlan(planID string) {
	o.setState(func(s *State) {
		s.CurrentPlanID = planID
		s.ApprovedPlanID = planID
		s.CompletedPhases = nil
		s.CurrentPhase = ""
	})
	o.mu.Lock()
	o.flatDone = 0
	o.phaseIndex = 0
	o.mu.Unlock()

	p, ok := o.registry.Get(planID)
	if !ok {
		return
	}
	if !o.usePhasedEngine(&p) {
		// Flat plans follow the step-approval protocol: halt until the
		// operator mandates a specific step.
		o.halt("plan executing: awaiting step approval")
	}
}

// usePhasedEngine reports whether the plan routes through the phased
// engine: policy enabled AND the plan actually has phases.
func (o *Orchestrator) usePhasedEngine(p *plan.ComposedPlan) bool {
	return o.pol.PhaseExecution.Enabled && p.Phased()
}

// pendingPhaseID resolves the phase a resume approval can legitimately
// target: the first non-skipped phase at or after the cursor of the
// executing phased plan.
func (o *Orchestrator) pendingPhaseID() string {
	p := o.currentPhasedPlan()
	if p == nil {
		return ""
	}
	o.mu.RLock()
	idx := o.phaseIndex
	o.mu.RUnlock()
	for ; idx < len(p.Phases); idx++ {
		if !o.isSkipped(p.Phases[idx].PhaseID) {
			return p.Phases[idx].PhaseID
		}
	}
	return ""
}

// flatStepPending reports whether stepID names a step of the currently
// executing flat plan.
func (o *Orchestrator) flatStepPending(stepID int) bool {
	o.mu.RLock()
	planID := o.state.CurrentPlanID
	o.mu.RUnlock()
	if planID == "" {
		return false
	}
	p, ok := o.registry.Get(planID)
	if !ok || p.State != plan.StateExecuting || o.usePhasedEngine(&p) {
		return false
	}
	_, ok = p.FindStep(stepID)
	return ok
}

func (o *Orchestrator) currentPhasedPlan() *plan.ComposedPlan {
	o.mu.RLock()
	planID := o.state.CurrentPlanID
	o.mu.RUnlock()
	if planID == "" {
		return nil
	}
	p, ok := o.registry.Get(planID)
	if !ok || p.State != plan.StateExecuting || !o.usePhasedEngine(&p) {
		return nil
	}
	return &p
}
