// Package composer turns cognitive artifacts into governed execution plans.
// It owns the single-agent and multi-plan prompts, candidate pruning and
// ranking, sub-agent delegation, and the preference weights learned from
// human selections. Every plan it produces lands in the registry as pending;
// nothing the composer emits executes on its own.
package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/backend"
	"github.com/fyrsmithlabs/governd/internal/calibration"
	"github.com/fyrsmithlabs/governd/internal/plan"
	"github.com/fyrsmithlabs/governd/internal/policy"
)

// planAttempts bounds reasoning-backend calls per composition before the
// composer gives up and emits a blocked review.
const planAttempts = 2

// ErrPlanningBlocked means the composer emitted a review_blocked artifact
// and the control loop must halt.
var ErrPlanningBlocked = errors.New("planning blocked")

// Composer generates, prunes, and ranks execution plans.
type Composer struct {
	reasoner     backend.Reasoner
	registry     *plan.Registry
	calib        *calibration.Engine
	pol          *policy.Policy
	auditLog     *audit.Log
	weights      *PreferenceWeights
	historyBonus HistoryBonusFunc
	logger       *zap.Logger
}

// Options configures a Composer. HistoryBonus may be nil, in which case the
// policy constant is used.
type Options struct {
	Reasoner     backend.Reasoner
	Registry     *plan.Registry
	Calibration  *calibration.Engine
	Policy       *policy.Policy
	Audit        *audit.Log
	HistoryBonus HistoryBonusFunc
	Logger       *zap.Logger
}

// New creates a Composer.
func New(opts Options) (*Composer, error) {
	if opts.Reasoner == nil {
		return nil, fmt.Errorf("composer requires a reasoner")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("composer requires a plan registry")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("composer requires a policy")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bonus := opts.HistoryBonus
	if bonus == nil {
		bonus = ConstantHistoryBonus(opts.Policy.Ranking.HistoryBonus)
	}
	return &Composer{
		reasoner:     opts.Reasoner,
		registry:     opts.Registry,
		calib:        opts.Calibration,
		pol:          opts.Policy,
		auditLog:     opts.Audit,
		weights:      NewPreferenceWeights(opts.Policy.Learning),
		historyBonus: bonus,
		logger:       logger,
	}, nil
}

// rawPlan is the JSON shape the planning prompts demand.
type rawPlan struct {
	Type              string       `json:"type"`
	PlanID            string       `json:"plan_id"`
	Goal              string       `json:"goal"`
	Summary           string       `json:"summary"`
	Assumptions       []string     `json:"assumptions"`
	Steps             []plan.Step  `json:"steps"`
	Phases            []plan.Phase `json:"phases"`
	Pros              []string     `json:"pros"`
	Cons              []string     `json:"cons"`
	Risks             []string     `json:"risks"`
	BlockingQuestions []string     `json:"blocking_questions"`
	Confidence        float64      `json:"confidence"`
}

type rawPlanSet struct {
	Type              string    `json:"type"`
	Goal              string    `json:"goal"`
	Plans             []rawPlan `json:"plans"`
	RecommendedPlanID string    `json:"recommended_plan_id"`
	Reasoning         string    `json:"reasoning"`
}

// PlanSet is the outcome of a multi-plan negotiation. Plans are registered
// pending and ranked best first; nothing is selected automatically.
type PlanSet struct {
	Goal              string       `json:"goal"`
	Ranked            []RankedPlan `json:"ranked"`
	RecommendedPlanID string       `json:"recommended_plan_id"`
	Reasoning         string       `json:"reasoning"`
	Rejections        []Rejection  `json:"rejections,omitempty"`
}

// ComposePlan asks the reasoning backend for a single execution plan built
// from the artifact, optionally refining a previous plan. The returned plan
// is registered pending. ErrPlanningBlocked means a review_blocked artifact
// was emitted and the loop must halt.
func (c *Composer) ComposePlan(ctx context.Context, artifact json.RawMessage, previous *plan.ComposedPlan) (*plan.ComposedPlan, error) {
	if rule, forbidden := c.pol.PlanningForbidden(); forbidden {
		c.logger.Warn("planning suppressed by policy", zap.String("policy_id", rule.ID))
		c.emitBlockedReview(ctx, "restricted_action", map[string]any{
			"policy_id":   rule.ID,
			"policy_rule": rule.Rule,
			"context":     "planning suppressed by policy",
		})
		return nil, ErrPlanningBlocked
	}

	prevBlock := ""
	if previous != nil {
		b, _ := json.MarshalIndent(previous, "", "  ")
		prevBlock = fmt.Sprintf("PREVIOUS PLAN (Refine this):\n%s\n", b)
	}
	prompt := fmt.Sprintf(planningPromptTemplate, prevBlock, c.policyBlock(), artifact)

	raw, err := c.reasonForPlan(ctx, prompt)
	if err != nil {
		c.logger.Error("plan generation exhausted retries", zap.Error(err))
		c.emitBlockedReview(ctx, "low_confidence", map[string]any{
			"evidence": "Insufficient information to generate a confident plan",
			"error":    err.Error(),
		})
		return nil, ErrPlanningBlocked
	}

	p := c.toComposedPlan(*raw, nil)
	c.attachReview(ctx, p)
	if err := c.registry.Register(p); err != nil {
		return nil, fmt.Errorf("register composed plan: %w", err)
	}
	c.emit(audit.Event{
		Operation: audit.OpPlanGenerated,
		Resource:  p.PlanID,
		Result:    "success",
		Details: map[string]any{
			"goal":       p.Goal,
			"steps":      len(p.Steps),
			"phases":     len(p.Phases),
			"confidence": p.Confidence,
		},
	})
	return p, nil
}

// ComposePlanSet asks the backend for 2-3 alternative plans, prunes and
// ranks them, and registers the survivors. Zero survivors emits a blocked
// review and returns ErrNoSurvivors.
func (c *Composer) ComposePlanSet(ctx context.Context, artifact json.RawMessage) (*PlanSet, error) {
	if rule, forbidden := c.pol.PlanningForbidden(); forbidden {
		c.emitBlockedReview(ctx, "restricted_action", map[string]any{
			"policy_id":   rule.ID,
			"policy_rule": rule.Rule,
			"context":     "planning suppressed by policy",
		})
		return nil, ErrPlanningBlocked
	}

	prompt := fmt.Sprintf(multiPlanPromptTemplate, c.policyBlock(), artifact)

	var set rawPlanSet
	ok := false
	for attempt := 0; attempt < planAttempts; attempt++ {
		resp, err := c.reasoner.Reason(ctx, prompt)
		if err != nil {
			c.logger.Warn("plan set generation attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if err := json.Unmarshal(resp, &set); err != nil || len(set.Plans) < 2 {
			c.logger.Warn("plan set response malformed", zap.Int("attempt", attempt+1))
			continue
		}
		ok = true
		break
	}
	if !ok {
		c.emitBlockedReview(ctx, "low_confidence", map[string]any{
			"evidence": "Unable to generate alternative plans",
		})
		return nil, ErrPlanningBlocked
	}

	candidates := make([]plan.ComposedPlan, 0, len(set.Plans))
	labelByIndex := make(map[int]string)
	for i, rp := range set.Plans {
		p := c.toComposedPlan(rp, map[string]any{
			"set_label": rp.PlanID,
			"set_goal":  set.Goal,
		})
		labelByIndex[i] = rp.PlanID
		candidates = append(candidates, *p)
	}

	survivors, rejections := Prune(candidates, c.pol.Pruning)
	if len(survivors) == 0 {
		c.emitBlockedReview(ctx, "no_survivors", map[string]any{
			"rejections": rejections,
			"context":    "every alternative plan violated pruning policy",
		})
		return nil, ErrNoSurvivors
	}

	ranked := Rank(survivors, c.pol.Ranking, c.calibrationMultiplier, c.historyBonus)
	recommended := ""
	for i := range ranked {
		p := ranked[i].Plan
		pp := p
		c.attachReview(ctx, &pp)
		if err := c.registry.Register(&pp); err != nil {
			return nil, fmt.Errorf("register plan set member: %w", err)
		}
		ranked[i].Plan = pp
		if label, okl := pp.Metadata["set_label"].(string); okl && label == set.RecommendedPlanID {
			recommended = pp.PlanID
		}
	}

	result := &PlanSet{
		Goal:              set.Goal,
		Ranked:            ranked,
		RecommendedPlanID: recommended,
		Reasoning:         set.Reasoning,
		Rejections:        rejections,
	}
	c.emit(audit.Event{
		Operation: audit.OpPlanSetGenerated,
		Result:    "success",
		Details: map[string]any{
			"goal":        set.Goal,
			"alternates":  len(ranked),
			"pruned":      len(rejections),
			"recommended": recommended,
		},
	})
	c.attachSetReview(ctx, result)
	return result, nil
}

// reasonForPlan calls the backend up to planAttempts times and decodes the
// first well-formed plan.
func (c *Composer) reasonForPlan(ctx context.Context, prompt string) (*rawPlan, error) {
	var lastErr error
	for attempt := 0; attempt < planAttempts; attempt++ {
		resp, err := c.reasoner.Reason(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		var rp rawPlan
		if err := json.Unmarshal(resp, &rp); err != nil {
			lastErr = fmt.Errorf("malformed plan response: %w", err)
			continue
		}
		if len(rp.Steps) == 0 && len(rp.Phases) == 0 {
			lastErr = fmt.Errorf("plan response carried no steps")
			continue
		}
		return &rp, nil
	}
	return nil, lastErr
}

func (c *Composer) toComposedPlan(rp rawPlan, metadata map[string]any) *plan.ComposedPlan {
	p := &plan.ComposedPlan{
		PlanID:      uuid.NewString(),
		Goal:        rp.Goal,
		Summary:     rp.Summary,
		Assumptions: rp.Assumptions,
		Steps:       rp.Steps,
		Phases:      rp.Phases,
		Pros:        rp.Pros,
		Cons:        rp.Cons,
		Risks:       rp.Risks,
		Confidence:  clamp01(rp.Confidence),
	}
	if len(rp.BlockingQuestions) > 0 {
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata["blocking_questions"] = rp.BlockingQuestions
	}
	if metadata != nil {
		p.Metadata = metadata
	}
	// A plan may carry steps or phases, never both; phases win.
	if len(p.Phases) > 0 {
		p.Steps = nil
		if max := c.pol.PhaseExecution.MaxPhasesPerPlan; max > 0 && len(p.Phases) > max {
			p.Phases = p.Phases[:max]
		}
	}
	return p
}

// calibrationMultiplier averages the calibration penalty of the plan's step
// actions in propose mode. An empty plan keeps the neutral multiplier.
func (c *Composer) calibrationMultiplier(p plan.ComposedPlan) float64 {
	if c.calib == nil {
		return 1.0
	}
	steps := allSteps(p)
	if len(steps) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, s := range steps {
		sum += c.calib.Penalty(s.Action, "propose")
	}
	return sum / float64(len(steps))
}

func (c *Composer) policyBlock() string {
	b, err := json.MarshalIndent(c.pol, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf("POLICY CONSTRAINTS (MANDATORY):\n%s\n", b)
}

func (c *Composer) emit(e audit.Event) {
	if c.auditLog == nil {
		return
	}
	if e.Actor == "" {
		e.Actor = "composer"
	}
	c.auditLog.Emit(e)
}

// RecordPlanSelection applies preference learning after a human picks one
// delegated agent's plan.
func (c *Composer) RecordPlanSelection(agentID string, knownAgents []string) {
	c.weights.RecordSelection(agentID, knownAgents)
	c.logger.Info("delegation preference updated",
		zap.String("agent_id", agentID),
		zap.Any("weights", c.weights.Snapshot()))
}

// Weights exposes the preference tracker, mainly for state reporting.
func (c *Composer) Weights() *PreferenceWeights {
	return c.weights
}
