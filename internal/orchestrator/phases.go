package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/backend"
	"github.com/fyrsmithlabs/governd/internal/calibration"
	"github.com/fyrsmithlabs/governd/internal/composer"
	"github.com/fyrsmithlabs/governd/internal/intent"
	"github.com/fyrsmithlabs/governd/internal/plan"
)

// runPhases walks the executing phased plan from the current cursor. It
// returns with the loop either halted at a phase boundary or the plan
// completed.
func (o *Orchestrator) runPhases(ctx context.Context) {
	p := o.currentPhasedPlan()
	if p == nil {
		return
	}
	planID := p.PlanID

	for {
		o.mu.RLock()
		idx := o.phaseIndex
		o.mu.RUnlock()

		if idx >= len(p.Phases) {
			o.completePhasedPlan(planID, p)
			return
		}
		phase := p.Phases[idx]

		if o.isSkipped(phase.PhaseID) {
			if err := o.registry.SetPhaseStatus(planID, phase.PhaseID, plan.PhaseSkipped); err != nil {
				o.logger.Warn("could not mark phase skipped", zap.Error(err))
			}
			o.logger.Info("phase skipped", zap.String("phase_id", phase.PhaseID))
			o.advancePhase()
			continue
		}

		// Plan approval covers the first phase; later phases need their
		// own approval when policy demands it.
		if o.pol.PhaseExecution.RequirePhaseApproval && idx > 0 {
			o.mu.RLock()
			approved := o.state.ApprovedPhaseID
			o.mu.RUnlock()
			if approved != phase.PhaseID {
				o.halt("phase awaiting approval: " + phase.PhaseID)
				return
			}
		}

		if !phase.DependenciesMet(o.completedPhases()) {
			if err := o.registry.SetPhaseStatus(planID, phase.PhaseID, plan.PhaseBlocked); err != nil {
				o.logger.Warn("could not mark phase blocked", zap.Error(err))
			}
			o.emit(audit.Event{
				Operation: audit.OpPhaseBlocked,
				Resource:  planID,
				Result:    "blocked",
				Details: map[string]any{
					"phase_id":   phase.PhaseID,
					"depends_on": phase.DependsOn,
					"completed":  o.completedPhases(),
				},
			})
			o.halt("phase dependencies unmet: " + phase.PhaseID)
			return
		}

		o.executePhase(ctx, planID, p, idx)
		if o.halted() {
			return
		}
	}
}

func (o *Orchestrator) executePhase(ctx context.Context, planID string, p *plan.ComposedPlan, idx int) {
	phase := p.Phases[idx]

	if err := o.registry.SetPhaseStatus(planID, phase.PhaseID, plan.PhaseStarted); err != nil {
		o.logger.Warn("could not mark phase started", zap.Error(err))
	}
	o.setState(func(s *State) { s.CurrentPhase = phase.PhaseID })
	o.emit(audit.Event{
		Operation: audit.OpPhaseStarted,
		Resource:  planID,
		Result:    "started",
		Details:   map[string]any{"phase_id": phase.PhaseID, "steps": len(phase.Steps)},
	})

	start := time.Now()
	succeeded := 0
	for _, step := range phase.Steps {
		if o.executePhaseStep(ctx, step) {
			succeeded++
		}
	}
	duration := time.Since(start)

	if err := o.registry.SetPhaseStatus(planID, phase.PhaseID, plan.PhaseCompleted); err != nil {
		o.logger.Warn("could not mark phase completed", zap.Error(err))
	}
	o.setState(func(s *State) {
		s.CompletedPhases = append(s.CompletedPhases, phase.PhaseID)
		s.CurrentPhase = ""
		s.ApprovedPhaseID = ""
	})
	o.advancePhase()

	nextID := o.nextPhaseID(p, idx)
	awaiting := nextID != "" && o.pol.PhaseExecution.RequirePhaseApproval

	details := map[string]any{
		"phase_id":          phase.PhaseID,
		"steps_total":       len(phase.Steps),
		"steps_succeeded":   succeeded,
		"duration_ms":       duration.Milliseconds(),
		"next_phase_id":     nextID,
		"awaiting_approval": awaiting,
	}

	results := composer.PhaseResults{
		PhaseID:        phase.PhaseID,
		StepsTotal:     len(phase.Steps),
		StepsSucceeded: succeeded,
		DurationMS:     duration.Milliseconds(),
	}
	if o.pol.PhaseExecution.GeneratePhaseReviews {
		if review := o.comp.ComposePhaseReview(ctx, phase, results); review != nil {
			details["review"] = review
		}
	}

	o.emit(audit.Event{
		Operation: audit.OpPhaseCompleted,
		Resource:  planID,
		Result:    "completed",
		Details:   details,
	})

	// Predictive staging caches the next eligible phase id without acting.
	// Any resume clears it.
	if o.pol.PhaseExecution.PredictiveStaging && nextID != "" {
		o.stageNextPhase(p)
	}

	if nextID != "" {
		o.halt("phase completed: " + phase.PhaseID + ", next phase pending")
	}
}

// executePhaseStep runs one pre-approved step directly against the action
// service. Phase steps were approved with the plan, so they do not revisit
// the submission gate.
func (o *Orchestrator) executePhaseStep(ctx context.Context, step plan.Step) bool {
	var (
		op    string
		extra map[string]string
	)
	switch step.Action {
	case intent.TypeInspectRepo:
		op = backend.OpList
	case intent.TypeAnalyzeCode, intent.TypeSummariseLogs:
		op = backend.OpRead
	case intent.TypeApplyPatch:
		op = backend.OpPatch
	default:
		o.logger.Warn("phase step has no tool mapping", zap.String("action", step.Action))
		return false
	}

	result, err := o.executor.Execute(ctx, op, step.Target, extra)
	if err != nil {
		o.emit(audit.Event{
			Operation: audit.OpActionInvocation,
			Resource:  step.Target,
			Result:    "error",
			Details:   map[string]any{"tool": step.Action, "step_id": step.ID, "message": err.Error()},
		})
		return false
	}

	o.calib.Update(step.Action, intent.ModeReasonOnly, calibration.OutcomeRecovery)
	o.emit(audit.Event{
		Operation: audit.OpActionInvocation,
		Resource:  step.Target,
		Result:    "success",
		Details: map[string]any{
			"tool":           step.Action,
			"step_id":        step.ID,
			"output_summary": result.Summary(),
		},
	})
	return true
}

func (o *Orchestrator) completePhasedPlan(planID string, p *plan.ComposedPlan) {
	if err := o.registry.Transition(planID, plan.StateCompleted); err != nil {
		o.logger.Error("phased plan completion failed", zap.Error(err))
		o.halt("plan completion failed")
		return
	}
	o.emit(audit.Event{
		Operation: audit.OpPlanCompleted,
		Resource:  planID,
		Result:    "success",
		Details: map[string]any{
			"phased":    true,
			"phases":    len(p.Phases),
			"completed": o.completedPhases(),
			"skipped":   o.skippedPhases(),
		},
	})
	o.setState(func(s *State) {
		s.CurrentPlanID = ""
		s.ApprovedPlanID = ""
		s.CurrentPhase = ""
		s.CompletedPhases = nil
		s.SkippedPhases = nil
		s.StagedPhaseID = ""
	})
	o.mu.Lock()
	o.phaseIndex = 0
	o.mu.Unlock()
	o.logger.Info("phased plan completed", zap.String("plan_id", planID))
}

// stageNextPhase records the next dependency-eligible phase id. Pure
// computation only.
func (o *Orchestrator) stageNextPhase(p *plan.ComposedPlan) {
	completed := o.completedPhases()
	o.mu.RLock()
	idx := o.phaseIndex
	o.mu.RUnlock()
	for i := idx; i < len(p.Phases); i++ {
		ph := p.Phases[i]
		if o.isSkipped(ph.PhaseID) {
			continue
		}
		if ph.DependenciesMet(completed) {
			o.setState(func(s *State) { s.StagedPhaseID = ph.PhaseID })
		}
		return
	}
}

func (o *Orchestrator) advancePhase() {
	o.mu.Lock()
	o.phaseIndex++
	o.mu.Unlock()
}

func (o *Orchestrator) nextPhaseID(p *plan.ComposedPlan, idx int) string {
	for i := idx + 1; i < len(p.Phases); i++ {
		if !o.isSkipped(p.Phases[i].PhaseID) {
			return p.Phases[i].PhaseID
		}
	}
	return ""
}

func (o *Orchestrator) isSkipped(phaseID string) bool {
	for _, id := range o.skippedPhases() {
		if id == phaseID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) completedPhases() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.state.CompletedPhases...)
}

func (o *Orchestrator) skippedPhases() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.state.SkippedPhases...)
}
