package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPlan(id string) *ComposedPlan {
	return &ComposedPlan{
		PlanID: id,
		Goal:   "restructure the ingestion pipeline",
		Steps: []Step{
			{ID: 1, Action: "inspect_repo", Target: "services/ingest"},
			{ID: 2, Action: "apply_patch", Target: "services/ingest/worker.go"},
		},
		Confidence: 0.7,
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newTestPlan("plan-1")))

	got, ok := r.Get("plan-1")
	require.True(t, ok)
	assert.Equal(t, StatePending, got.State)
	assert.False(t, got.CreatedAt.IsZero())

	_, ok = r.Get("plan-missing")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateAndMixedShape(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newTestPlan("plan-1")))
	assert.Error(t, r.Register(newTestPlan("plan-1")))

	mixed := newTestPlan("plan-2")
	mixed.Phases = []Phase{{PhaseID: "phase-1", Steps: []Step{{ID: 1, Action: "read"}}}}
	assert.Error(t, r.Register(mixed))

	assert.Error(t, r.Register(&ComposedPlan{Goal: "no id"}))
}

func TestRegistryTransitionEdges(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newTestPlan("plan-1")))

	// pending -> executing is not a legal edge.
	err := r.Transition("plan-1", StateExecuting)
	require.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, r.Transition("plan-1", StateApproved))
	require.NoError(t, r.Transition("plan-1", StateExecuting))
	require.NoError(t, r.Transition("plan-1", StateCompleted))

	// completed is terminal.
	err = r.Transition("plan-1", StateRejected)
	require.ErrorIs(t, err, ErrIllegalTransition)

	err = r.Transition("plan-missing", StateApproved)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryByStateOrdering(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newTestPlan("plan-1")))
	require.NoError(t, r.Register(newTestPlan("plan-2")))
	require.NoError(t, r.Register(newTestPlan("plan-3")))
	require.NoError(t, r.Transition("plan-2", StateApproved))

	pending := r.ByState(StatePending)
	require.Len(t, pending, 2)
	assert.Equal(t, "plan-1", pending[0].PlanID)
	assert.Equal(t, "plan-3", pending[1].PlanID)

	approved := r.ByState(StateApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, "plan-2", approved[0].PlanID)

	assert.Len(t, r.All(), 3)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(newTestPlan("plan-1")))

	got, ok := r.Get("plan-1")
	require.True(t, ok)
	got.Steps[0].Action = "mutated"
	got.State = StateCompleted

	again, _ := r.Get("plan-1")
	assert.Equal(t, "inspect_repo", again.Steps[0].Action)
	assert.Equal(t, StatePending, again.State)
}

func TestRegistryPhaseStatus(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	p := &ComposedPlan{
		PlanID: "plan-1",
		Goal:   "staged rollout",
		Phases: []Phase{
			{PhaseID: "phase-1", Steps: []Step{{ID: 1, Action: "read"}}},
			{PhaseID: "phase-2", DependsOn: []string{"phase-1"}, Steps: []Step{{ID: 1, Action: "patch"}}},
		},
	}
	require.NoError(t, r.Register(p))

	got, _ := r.Get("plan-1")
	assert.Equal(t, PhasePending, got.Phases[0].Status)

	require.NoError(t, r.SetPhaseStatus("plan-1", "phase-1", PhaseCompleted))
	got, _ = r.Get("plan-1")
	assert.Equal(t, PhaseCompleted, got.Phases[0].Status)

	assert.Error(t, r.SetPhaseStatus("plan-1", "phase-9", PhaseStarted))
	assert.Error(t, r.SetPhaseStatus("plan-missing", "phase-1", PhaseStarted))
}

func TestPhaseDependenciesMet(t *testing.T) {
	ph := Phase{PhaseID: "phase-3", DependsOn: []string{"phase-1", "phase-2"}}
	assert.False(t, ph.DependenciesMet(nil))
	assert.False(t, ph.DependenciesMet([]string{"phase-1"}))
	assert.True(t, ph.DependenciesMet([]string{"phase-2", "phase-1"}))

	noDeps := Phase{PhaseID: "phase-1"}
	assert.True(t, noDeps.DependenciesMet(nil))
}
