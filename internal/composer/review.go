package composer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/plan"
)

// Review artifacts are advisory. Generation is best-effort: a failed LLM
// call degrades to a minimal artifact or to nothing, never to an error on
// the composition path.

// attachReview generates a human-readable review of the plan and stores it
// in the plan metadata. Must run before the plan is registered.
func (c *Composer) attachReview(ctx context.Context, p *plan.ComposedPlan) {
	planJSON, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return
	}
	resp, err := c.reasoner.Reason(ctx, fmt.Sprintf(reviewPromptTemplate, planJSON))
	if err != nil {
		c.logger.Warn("review artifact generation failed", zap.String("plan_id", p.PlanID), zap.Error(err))
		return
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata["review_artifact"] = json.RawMessage(resp)
}

// attachSetReview generates the multi-plan comparison review and records it
// on the plan set.
func (c *Composer) attachSetReview(ctx context.Context, set *PlanSet) {
	setJSON, err := json.Marshal(set)
	if err != nil {
		return
	}
	resp, err := c.reasoner.Reason(ctx, fmt.Sprintf(multiPlanReviewPromptTemplate, setJSON))
	if err != nil {
		c.logger.Warn("multi-plan review generation failed", zap.Error(err))
		return
	}
	c.emit(audit.Event{
		Operation: audit.OpPlanSetGenerated,
		Result:    "review",
		Details:   map[string]any{"review": json.RawMessage(resp)},
	})
}

// emitBlockedReview explains a planning refusal. The LLM gets first crack;
// on failure a minimal artifact is emitted so the refusal is always audited.
func (c *Composer) emitBlockedReview(ctx context.Context, reason string, details map[string]any) {
	review := c.blockedReview(ctx, reason, details)
	c.emit(audit.Event{
		Operation: audit.OpReviewBlocked,
		Result:    reason,
		Details: map[string]any{
			"reason": reason,
			"review": review,
		},
	})
}

func (c *Composer) blockedReview(ctx context.Context, reason string, details map[string]any) map[string]any {
	detailJSON, _ := json.MarshalIndent(details, "", "  ")
	resp, err := c.reasoner.Reason(ctx, fmt.Sprintf(blockedReviewPromptTemplate, reason, detailJSON, reason))
	if err == nil {
		var review map[string]any
		if json.Unmarshal(resp, &review) == nil {
			return review
		}
	}
	c.logger.Warn("blocked review generation failed, using fallback", zap.String("reason", reason))
	return map[string]any{
		"type":                 "review_blocked",
		"reason":               reason,
		"summary":              fmt.Sprintf("Planning blocked due to: %s", reason),
		"violated_constraints": []string{fmt.Sprintf("%v", details)},
		"suggested_next_steps": []string{"Review constraints", "Adjust policy or parameters"},
		"confidence":           1.0,
	}
}

// PhaseResults summarises what happened while executing one phase.
type PhaseResults struct {
	PhaseID        string `json:"phase_id"`
	StepsTotal     int    `json:"steps_total"`
	StepsSucceeded int    `json:"steps_succeeded"`
	DurationMS     int64  `json:"duration_ms"`
	Notes          string `json:"notes,omitempty"`
}

// QualityScore is the computed fraction of phase steps that succeeded.
func (r PhaseResults) QualityScore() float64 {
	if r.StepsTotal == 0 {
		return 1.0
	}
	return clamp01(float64(r.StepsSucceeded) / float64(r.StepsTotal))
}

// ComposePhaseReview produces an advisory review of a completed phase with
// the computed quality score attached. A nil return means the review could
// not be generated; callers proceed without it.
func (c *Composer) ComposePhaseReview(ctx context.Context, phase plan.Phase, results PhaseResults) map[string]any {
	phaseJSON, err := json.MarshalIndent(phase, "", "  ")
	if err != nil {
		return nil
	}
	resultsJSON, _ := json.MarshalIndent(results, "", "  ")
	resp, err := c.reasoner.Reason(ctx, fmt.Sprintf(phaseReviewPromptTemplate, phaseJSON, resultsJSON))
	if err != nil {
		c.logger.Warn("phase review generation failed", zap.String("phase_id", phase.PhaseID), zap.Error(err))
		return nil
	}
	var review map[string]any
	if err := json.Unmarshal(resp, &review); err != nil {
		return nil
	}
	review["quality_score"] = results.QualityScore()
	return review
}
