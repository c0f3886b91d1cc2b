package composer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/governd/internal/plan"
	"github.com/fyrsmithlabs/governd/internal/policy"
)

// ErrNoSurvivors is returned when pruning rejects every candidate plan.
// Callers must halt on it; falling back to the unpruned set is forbidden.
var ErrNoSurvivors = errors.New("pruning rejected every candidate plan")

// Rejection records why one candidate plan was pruned.
type Rejection struct {
	PlanID  string   `json:"plan_id"`
	Reasons []string `json:"reasons"`
}

// Prune filters candidate plans against the pruning policy. Every rejected
// plan is returned with the full list of reasons it violated, not just the
// first.
func Prune(candidates []plan.ComposedPlan, cfg policy.PruningConfig) ([]plan.ComposedPlan, []Rejection) {
	var (
		survivors  []plan.ComposedPlan
		rejections []Rejection
	)
	for _, cand := range candidates {
		reasons := pruneReasons(cand, cfg)
		if len(reasons) == 0 {
			survivors = append(survivors, cand)
			continue
		}
		rejections = append(rejections, Rejection{PlanID: cand.PlanID, Reasons: reasons})
	}
	return survivors, rejections
}

func pruneReasons(p plan.ComposedPlan, cfg policy.PruningConfig) []string {
	var reasons []string
	if p.Confidence < cfg.MinPlanConfidence {
		reasons = append(reasons, fmt.Sprintf("plan confidence %.2f below minimum %.2f", p.Confidence, cfg.MinPlanConfidence))
	}
	for _, step := range allSteps(p) {
		for _, forbidden := range cfg.ForbiddenActions {
			if step.Action == forbidden {
				reasons = append(reasons, fmt.Sprintf("step %d uses forbidden action %q", step.ID, step.Action))
			}
		}
		if sandboxOnly(step.Action, cfg) && !strings.HasPrefix(step.Target, cfg.SandboxPrefix) {
			reasons = append(reasons, fmt.Sprintf("step %d targets %q outside sandbox %q", step.ID, step.Target, cfg.SandboxPrefix))
		}
	}
	return reasons
}

func sandboxOnly(action string, cfg policy.PruningConfig) bool {
	for _, a := range cfg.SandboxOnlyActions {
		if a == action {
			return true
		}
	}
	return false
}

func allSteps(p plan.ComposedPlan) []plan.Step {
	if !p.Phased() {
		return p.Steps
	}
	var steps []plan.Step
	for _, ph := range p.Phases {
		steps = append(steps, ph.Steps...)
	}
	return steps
}
