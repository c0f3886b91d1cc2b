package plan

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// legalTransitions maps each state to the states it may move to. Terminal
// states have no outgoing edges.
var legalTransitions = map[State][]State{
	StatePending:   {StateApproved, StateRejected},
	StateApproved:  {StateExecuting, StateRejected},
	StateExecuting: {StateCompleted, StateRejected},
}

// Registry is the authoritative store of composed plans. All state
// transitions go through it so that illegal edges are rejected in one place.
type Registry struct {
	mu     sync.RWMutex
	plans  map[string]*ComposedPlan
	order  []string
	logger *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		plans:  make(map[string]*ComposedPlan),
		logger: logger,
	}
}

// Register stores a freshly composed plan in the pending state. A plan must
// carry steps or phases but not both.
func (r *Registry) Register(p *ComposedPlan) error {
	if p.PlanID == "" {
		return fmt.Errorf("register plan: empty plan id")
	}
	if len(p.Steps) > 0 && len(p.Phases) > 0 {
		return fmt.Errorf("register plan %s: both steps and phases set", p.PlanID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[p.PlanID]; ok {
		return fmt.Errorf("register plan %s: already registered", p.PlanID)
	}
	p.State = StatePending
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	for i := range p.Phases {
		if p.Phases[i].Status == "" {
			p.Phases[i].Status = PhasePending
		}
	}
	r.plans[p.PlanID] = p
	r.order = append(r.order, p.PlanID)
	r.logger.Debug("plan registered",
		zap.String("plan_id", p.PlanID),
		zap.Int("steps", len(p.Steps)),
		zap.Int("phases", len(p.Phases)))
	return nil
}

// Get returns a copy of the plan, or false if unknown.
func (r *Registry) Get(planID string) (ComposedPlan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[planID]
	if !ok {
		return ComposedPlan{}, false
	}
	return copyPlan(p), true
}

// Transition moves a plan to the requested state if the edge is legal.
func (r *Registry) Transition(planID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return fmt.Errorf("transition plan %s: %w", planID, ErrNotFound)
	}
	for _, allowed := range legalTransitions[p.State] {
		if allowed == to {
			r.logger.Info("plan state transition",
				zap.String("plan_id", planID),
				zap.String("from", string(p.State)),
				zap.String("to", string(to)))
			p.State = to
			return nil
		}
	}
	return fmt.Errorf("transition plan %s from %s to %s: %w", planID, p.State, to, ErrIllegalTransition)
}

// SetPhaseStatus updates the status of one phase on an executing plan.
func (r *Registry) SetPhaseStatus(planID, phaseID string, status PhaseStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return fmt.Errorf("set phase status: plan %s: %w", planID, ErrNotFound)
	}
	for i := range p.Phases {
		if p.Phases[i].PhaseID == phaseID {
			p.Phases[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("set phase status: plan %s has no phase %s", planID, phaseID)
}

// ByState returns copies of every plan in the given state, oldest first.
func (r *Registry) ByState(s State) []ComposedPlan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ComposedPlan
	for _, id := range r.order {
		if p := r.plans[id]; p.State == s {
			out = append(out, copyPlan(p))
		}
	}
	return out
}

// All returns copies of every plan, oldest first.
func (r *Registry) All() []ComposedPlan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ComposedPlan, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, copyPlan(r.plans[id]))
	}
	return out
}

// Executing returns the id of the currently executing plan, if any. At most
// one plan executes at a time.
func (r *Registry) Executing() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if r.plans[id].State == StateExecuting {
			return id, true
		}
	}
	return "", false
}

func copyPlan(p *ComposedPlan) ComposedPlan {
	out := *p
	out.Assumptions = append([]string(nil), p.Assumptions...)
	out.Steps = append([]Step(nil), p.Steps...)
	out.Pros = append([]string(nil), p.Pros...)
	out.Cons = append([]string(nil), p.Cons...)
	out.Risks = append([]string(nil), p.Risks...)
	if p.Phases != nil {
		out.Phases = make([]Phase, len(p.Phases))
		for i, ph := range p.Phases {
			cp := ph
			cp.DependsOn = append([]string(nil), ph.DependsOn...)
			cp.Steps = append([]Step(nil), ph.Steps...)
			cp.SuccessCriteria = append([]string(nil), ph.SuccessCriteria...)
			out.Phases[i] = cp
		}
	}
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
