package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/backend"
	"github.com/fyrsmithlabs/governd/internal/calibration"
	"github.com/fyrsmithlabs/governd/internal/intent"
	"github.com/fyrsmithlabs/governd/internal/plan"
)

// iterate is one RUNNING pass of the control loop.
func (o *Orchestrator) iterate(ctx context.Context) {
	o.setState(func(s *State) { s.Iterations++ })

	// Human-approved intents waiting for composition take priority over
	// autonomous reasoning.
	if o.composeFromApprovedIntent(ctx) {
		return
	}

	if o.pendingRejection() != nil {
		o.handleRejection(ctx)
		return
	}

	payload, err := o.generateIntent(ctx)
	if err != nil {
		o.logger.Warn("intent generation failed", zap.Error(err))
		return
	}
	o.sendIntent(ctx, payload)
}

// composeFromApprovedIntent picks the oldest approved intent without a
// composed plan and turns it into one. Returns true if composition ran.
func (o *Orchestrator) composeFromApprovedIntent(ctx context.Context) bool {
	for _, in := range o.queue.Approved() {
		if in.ComposedPlanID != "" {
			continue
		}
		artifact, err := json.Marshal(in.Payload)
		if err != nil {
			continue
		}
		planID := o.composePlanning(ctx, artifact)
		if planID != "" {
			o.queue.LinkPlan(in.IntentID, planID)
		}
		return true
	}
	return false
}

func (o *Orchestrator) pendingRejection() *intent.Payload {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.LastRejected
}

// handleRejection runs the reflect/reframe ladder. The first pass after a
// rejection resubmits with a confidence boost; a second rejection advances
// the mode ladder or halts at its end.
func (o *Orchestrator) handleRejection(ctx context.Context) {
	rejected := o.pendingRejection()

	o.mu.RLock()
	reflected := o.reflected
	o.mu.RUnlock()

	if !reflected {
		o.mu.Lock()
		o.reflected = true
		o.mu.Unlock()

		retry := *rejected
		retry.Confidence = clamp01(retry.Confidence + reflectionBoost)
		o.logger.Info("reflection retry",
			zap.String("intent", retry.Intent),
			zap.Float64("confidence", retry.Confidence))
		o.sendIntent(ctx, &retry)
		return
	}

	// Reflection did not help; reframe by advancing the mode ladder.
	o.calib.Update(rejected.Intent, rejected.Mode, calibration.OutcomeDecay)

	next := intent.NextMode(rejected.Mode)
	if next == "" {
		o.setState(func(s *State) { s.LastRejected = nil })
		o.mu.Lock()
		o.reflected = false
		o.mu.Unlock()
		o.halt("reflect/reframe ladder exhausted")
		return
	}

	o.logger.Info("reframing to next mode",
		zap.String("from", rejected.Mode),
		zap.String("to", next))
	o.calib.Update(rejected.Intent, next, calibration.OutcomeReset)
	o.setState(func(s *State) {
		s.Mode = next
		s.LastRejected = nil
	})
	o.mu.Lock()
	o.reflected = false
	o.mu.Unlock()

	retry := *rejected
	retry.Mode = next
	retry.Confidence = 0.50
	o.sendIntent(ctx, &retry)
}

// generateIntent asks the reasoning backend for the next intent, seeded
// with the current plan context and any mandated step.
func (o *Orchestrator) generateIntent(ctx context.Context) (*intent.Payload, error) {
	prompt := o.intentPrompt()
	raw, err := o.reasoner.Reason(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("reasoning backend: %w", err)
	}

	if o.validator != nil {
		in, fieldErrs := o.validator.Validate(raw)
		if len(fieldErrs) > 0 {
			return nil, fmt.Errorf("generated intent failed validation: %s", fieldErrs[0].Message)
		}
		return &in.Payload, nil
	}

	var p intent.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed generated intent: %w", err)
	}
	return &p, nil
}

// sendIntent is the submission gate. Order matters: calibration first,
// propose short-circuit second, the apply_patch mandate third, and only
// then the external execution gate.
func (o *Orchestrator) sendIntent(ctx context.Context, payload *intent.Payload) {
	penalty := o.calib.Penalty(payload.Intent, payload.Mode)
	calibrated := clamp01(payload.Confidence * penalty)

	if payload.Mode == intent.ModePropose {
		o.emitPlanDraft(payload)
		o.halt("propose mode reached: plan draft awaiting review")
		return
	}

	if payload.Intent == intent.TypeApplyPatch {
		if !o.applyPatchMandated(payload, calibrated) {
			o.emit(audit.Event{
				Operation: audit.OpGateRejection,
				Resource:  payload.Target,
				Result:    "rejected",
				Details: map[string]any{
					"intent":     payload.Intent,
					"mode":       payload.Mode,
					"confidence": payload.Confidence,
					"calibrated": calibrated,
					"reason":     "apply_patch requires calibrated confidence >= 0.80 and a mandated approved step",
				},
			})
			return
		}
	}

	gated := *payload
	gated.Confidence = calibrated
	if err := o.gate.Submit(ctx, gated); err != nil {
		switch {
		case errors.Is(err, backend.ErrInsufficientConfidence):
			o.setState(func(s *State) {
				lr := *payload
				s.LastRejected = &lr
			})
			o.emit(audit.Event{
				Operation: audit.OpGateRejection,
				Resource:  payload.Target,
				Result:    "rejected",
				Details: map[string]any{
					"intent":     payload.Intent,
					"mode":       payload.Mode,
					"confidence": payload.Confidence,
					"calibrated": calibrated,
					"reason":     "insufficient confidence",
				},
			})
		case errors.Is(err, backend.ErrSchemaRejected):
			o.logger.Warn("execution gate rejected intent schema", zap.String("intent", payload.Intent))
		default:
			o.halt("execution gate unreachable")
		}
		return
	}

	// The gate accepted; the rejection chain is done.
	o.setState(func(s *State) { s.LastRejected = nil })
	o.mu.Lock()
	o.reflected = false
	o.mu.Unlock()

	o.executeTool(ctx, payload)
}

// applyPatchMandated checks the hard apply_patch gate: calibrated
// confidence and an exact match against the operator-approved step.
func (o *Orchestrator) applyPatchMandated(payload *intent.Payload, calibrated float64) bool {
	if calibrated < applyPatchThreshold {
		return false
	}
	step, ok := o.mandatedStep()
	if !ok {
		return false
	}
	return step.Action == intent.TypeApplyPatch && step.Target == payload.Target
}

// mandatedStep resolves the operator-approved step on the current plan.
func (o *Orchestrator) mandatedStep() (plan.Step, bool) {
	o.mu.RLock()
	planID := o.state.CurrentPlanID
	stepID := o.state.ApprovedStepID
	o.mu.RUnlock()
	if planID == "" || stepID == 0 {
		return plan.Step{}, false
	}
	p, ok := o.registry.Get(planID)
	if !ok {
		return plan.Step{}, false
	}
	return p.FindStep(stepID)
}

func (o *Orchestrator) emitPlanDraft(payload *intent.Payload) {
	o.emit(audit.Event{
		Operation: audit.OpPlanDraft,
		Resource:  payload.Target,
		Result:    "draft",
		Details: map[string]any{
			"source_mode": payload.Mode,
			"intent":      payload.Intent,
			"target":      payload.Target,
			"confidence":  payload.Confidence,
			"assumptions": []string{
				"Direct action was not permitted",
				"Prior strategies failed confidence gating",
			},
			"open_questions": []string{
				"What additional data would increase certainty?",
				"Is the target correctly scoped?",
			},
		},
	})
}

// executeTool runs an accepted intent through the action service and feeds
// the outcome back into calibration.
func (o *Orchestrator) executeTool(ctx context.Context, payload *intent.Payload) {
	var (
		op    string
		tool  string
		extra map[string]string
	)
	switch payload.Intent {
	case intent.TypeInspectRepo:
		op, tool = backend.OpList, "inspect_repo"
	case intent.TypeAnalyzeCode, intent.TypeSummariseLogs:
		op, tool = backend.OpRead, "read_file"
	case intent.TypeApplyPatch:
		op, tool = backend.OpPatch, "apply_patch"
		extra = map[string]string{"patch_content": payload.PatchContent}
	case intent.TypePlanAction:
		artifact, _ := json.Marshal(payload)
		o.composePlanning(ctx, artifact)
		return
	default:
		o.logger.Warn("intent has no tool mapping", zap.String("intent", payload.Intent))
		return
	}

	result, err := o.executor.Execute(ctx, op, payload.Target, extra)
	if err != nil {
		o.logger.Warn("tool execution failed",
			zap.String("tool", tool),
			zap.String("target", payload.Target),
			zap.Error(err))
		o.emit(audit.Event{
			Operation: audit.OpActionInvocation,
			Resource:  payload.Target,
			Result:    "error",
			Details:   map[string]any{"tool": tool, "message": err.Error()},
		})
		return
	}

	o.calib.Update(payload.Intent, payload.Mode, calibration.OutcomeRecovery)
	o.emit(audit.Event{
		Operation: audit.OpActionInvocation,
		Resource:  payload.Target,
		Result:    "success",
		Details: map[string]any{
			"tool":           tool,
			"intent":         payload.Intent,
			"mode":           payload.Mode,
			"output_summary": result.Summary(),
		},
	})

	o.afterToolSuccess(ctx, payload, result)
}

// afterToolSuccess advances whatever protocol the successful tool call
// belonged to: a mandated flat-plan step, or evidence that triggers
// planning.
func (o *Orchestrator) afterToolSuccess(ctx context.Context, payload *intent.Payload, result *backend.ToolResult) {
	if o.advanceFlatPlan(payload) {
		return
	}

	// Fresh evidence from a read is compressed into a semantic summary,
	// contrasted against the prior summary of the same scope when one
	// exists, and the resulting artifact drives planning.
	if payload.Intent == intent.TypeAnalyzeCode || payload.Intent == intent.TypeSummariseLogs {
		content := result.Content
		if content == "" {
			content = result.Output
		}
		prior := o.priorSummary(payload.Target)
		summary := o.synthesizeEvidence(ctx, content, payload.Target, payload.Intent)
		if summary == nil {
			o.logger.Warn("evidence synthesis exhausted, skipping planning",
				zap.String("scope", payload.Target))
			return
		}
		if prior != nil {
			if artifact := o.compareEvidence(ctx, prior, summary); artifact != nil {
				o.composePlanning(ctx, artifact)
				return
			}
		}
		artifact, err := json.Marshal(summary)
		if err != nil {
			return
		}
		o.composePlanning(ctx, artifact)
	}
}

// advanceFlatPlan marks a mandated step done on an executing flat plan.
// Returns true when the step belonged to the flat-plan protocol.
func (o *Orchestrator) advanceFlatPlan(payload *intent.Payload) bool {
	step, ok := o.mandatedStep()
	if !ok || step.Action != payload.Intent || step.Target != payload.Target {
		return false
	}
	o.mu.RLock()
	planID := o.state.CurrentPlanID
	o.mu.RUnlock()

	p, ok := o.registry.Get(planID)
	if !ok || p.State != plan.StateExecuting || p.Phased() {
		return false
	}

	o.mu.Lock()
	o.flatDone++
	done := o.flatDone
	o.mu.Unlock()
	o.setState(func(s *State) { s.ApprovedStepID = 0 })

	if done >= len(p.Steps) {
		if err := o.registry.Transition(planID, plan.StateCompleted); err != nil {
			o.logger.Error("flat plan completion failed", zap.Error(err))
			o.halt("plan completion failed")
			return true
		}
		o.emit(audit.Event{
			Operation: audit.OpPlanCompleted,
			Resource:  planID,
			Result:    "success",
			Details:   map[string]any{"steps": len(p.Steps), "phased": false},
		})
		o.setState(func(s *State) {
			s.CurrentPlanID = ""
			s.ApprovedPlanID = ""
		})
		return true
	}

	o.halt("step completed: awaiting next step approval")
	return true
}

// composePlanning routes to the configured composition mode and installs
// the halt that follows every successful generation. Returns the lead plan
// id, if any.
func (o *Orchestrator) composePlanning(ctx context.Context, artifact json.RawMessage) string {
	previous := o.previousPlan()

	switch o.planMode {
	case PlanModeDelegate:
		res, err := o.comp.Delegate(ctx, artifact, 0)
		if err != nil {
			o.halt("planning blocked")
			return ""
		}
		o.halt("delegated plan set generated: awaiting selection")
		for _, prop := range res.Proposals {
			if prop.Plan != nil {
				return prop.Plan.PlanID
			}
		}
		return ""

	case PlanModeSet:
		set, err := o.comp.ComposePlanSet(ctx, artifact)
		if err != nil {
			o.halt("planning blocked")
			return ""
		}
		o.halt("plan set generated: awaiting selection")
		if len(set.Ranked) > 0 {
			return set.Ranked[0].Plan.PlanID
		}
		return ""

	default:
		p, err := o.comp.ComposePlan(ctx, artifact, previous)
		if err != nil {
			o.halt("planning blocked")
			return ""
		}
		o.setState(func(s *State) { s.ApprovedStepID = 0 })
		o.halt("plan generated: awaiting approval")
		return p.PlanID
	}
}

// previousPlan returns the most recent pending plan for refinement.
func (o *Orchestrator) previousPlan() *plan.ComposedPlan {
	pending := o.registry.ByState(plan.StatePending)
	if len(pending) == 0 {
		return nil
	}
	p := pending[len(pending)-1]
	return &p
}

// intentPrompt builds the reasoning prompt from plan context, prior
// outcomes, the mandated step, and policy.
func (o *Orchestrator) intentPrompt() string {
	planBlock := ""
	if p := o.contextPlan(); p != nil {
		b, err := json.MarshalIndent(p, "", "  ")
		if err == nil {
			planBlock = fmt.Sprintf(
				"Previously, you produced the following plan draft or execution plan. Treat it as context, not instruction. Re-evaluate the situation accordingly:\n%s\n", b)
		}
	}

	mandateBlock := ""
	if step, ok := o.mandatedStep(); ok {
		mandateBlock = fmt.Sprintf(
			"MANDATED STEP (the human approved exactly this; generate the intent that performs it):\n  action: %s\n  target: %s\n  rationale: %s\n",
			step.Action, step.Target, step.Rationale)
	}

	policyBlock := ""
	if b, err := json.MarshalIndent(o.pol, "", "  "); err == nil {
		policyBlock = fmt.Sprintf("POLICY CONSTRAINTS (MANDATORY):\n%s\n", b)
	}

	return fmt.Sprintf(intentPromptTemplate,
		planBlock, o.outcomeContext(), mandateBlock, policyBlock)
}

// contextPlan is the plan fed into the prompt: the executing plan if any,
// else the latest pending one.
func (o *Orchestrator) contextPlan() *plan.ComposedPlan {
	o.mu.RLock()
	planID := o.state.CurrentPlanID
	o.mu.RUnlock()
	if planID != "" {
		if p, ok := o.registry.Get(planID); ok {
			return &p
		}
	}
	return o.previousPlan()
}

// outcomeContext surfaces the most recent success and failure from the
// audit history so the model sees its own track record.
func (o *Orchestrator) outcomeContext() string {
	if o.historyPath == "" {
		return ""
	}
	events, err := audit.ReadHistory(o.historyPath, 100)
	if err != nil || len(events) == 0 {
		return ""
	}

	var success, failure string
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		switch e.Operation {
		case audit.OpActionInvocation:
			if success == "" && e.Result == "success" {
				tool, _ := e.Details["tool"].(string)
				summary, _ := e.Details["output_summary"].(string)
				if len(summary) > 100 {
					summary = summary[:100]
				}
				success = fmt.Sprintf("Last success (%s): %s...", tool, summary)
			}
		case audit.OpGateRejection:
			if failure == "" {
				it, _ := e.Details["intent"].(string)
				conf, _ := e.Details["confidence"].(float64)
				failure = fmt.Sprintf("Last rejection (%s): Low confidence (%.2f)", it, conf)
			}
		}
		if success != "" && failure != "" {
			break
		}
	}
	if success == "" && failure == "" {
		return ""
	}
	block := "PRIOR OUTCOMES:\n"
	if success != "" {
		block += "- " + success + "\n"
	}
	if failure != "" {
		block += "- " + failure + "\n"
	}
	return block
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const intentPromptTemplate = `You are the reasoning core of a governed agent.

%s
%s
%s
%s

Given the current situation, output ONE intent as JSON matching this schema:

{
  "intent": "...",
  "source": "orchestrator",
  "target": "...",
  "patch_content": "REQUIRED if intent is apply_patch (Unified Diff format)",
  "confidence": 0.0-1.0,
  "mode": "reason-only" | "simulate" | "propose",
  "notes": "optional"
}

Rules:
- You MUST choose an intent from this exact list: ['inspect_repo', 'summarise_logs', 'analyze_code', 'plan_action', 'apply_patch']
- 'apply_patch' writes to a SANDBOX only.
- If unsure, lower confidence.
- Do not invent certainty.
- Prefer reason-only unless blocked.
- Output JSON only. No commentary.`
