// Package plan holds composed plans through their governed lifecycle:
// pending, approved, executing, completed, rejected. The registry is the
// single writer of plan state; only the approval bridge and the phased
// execution engine advance it.
package plan

import (
	"time"
)

// State of a composed plan.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
)

// PhaseStatus tracks execution of a single phase. Phase definitions are
// read-only once composed; only this status mutates.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseStarted   PhaseStatus = "started"
	PhaseCompleted PhaseStatus = "completed"
	PhaseBlocked   PhaseStatus = "blocked"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Step is a single plan action.
type Step struct {
	ID        int    `json:"id"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Rationale string `json:"rationale,omitempty"`
	Risk      string `json:"risk,omitempty"`
}

// Phase is a dependency-gated group of steps.
type Phase struct {
	PhaseID           string        `json:"phase_id"`
	Name              string        `json:"name,omitempty"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	Steps             []Step        `json:"steps"`
	SuccessCriteria   []string      `json:"success_criteria,omitempty"`
	RollbackNotes     string        `json:"rollback_notes,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Status            PhaseStatus   `json:"status"`
}

// DependenciesMet reports whether every phase id in DependsOn is present in
// completed.
func (p Phase) DependenciesMet(completed []string) bool {
	for _, dep := range p.DependsOn {
		found := false
		for _, done := range completed {
			if done == dep {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ComposedPlan is a structured action plan produced from an approved intent
// or cognitive artifact. A plan carries either a flat step list or a phase
// list, never both.
type ComposedPlan struct {
	PlanID      string         `json:"plan_id"`
	Goal        string         `json:"goal"`
	Summary     string         `json:"summary,omitempty"`
	Assumptions []string       `json:"assumptions,omitempty"`
	Steps       []Step         `json:"steps,omitempty"`
	Phases      []Phase        `json:"phases,omitempty"`
	Pros        []string       `json:"pros,omitempty"`
	Cons        []string       `json:"cons,omitempty"`
	Risks       []string       `json:"risks,omitempty"`
	Confidence  float64        `json:"confidence"`
	State       State          `json:"state"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Phased reports whether the plan uses the phase list.
func (p *ComposedPlan) Phased() bool {
	return len(p.Phases) > 0
}

// FindStep returns the step with the given id from a flat plan.
func (p *ComposedPlan) FindStep(id int) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
