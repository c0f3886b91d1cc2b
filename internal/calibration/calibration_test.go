package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/governd/internal/audit"
)

func TestPenalty_UnseenPairDefaultsToOne(t *testing.T) {
	e := NewEngine(nil)
	assert.Equal(t, 1.0, e.Penalty("inspect_repo", "reason-only"))
}

func TestUpdate_DecayFloorAndReset(t *testing.T) {
	e := NewEngine(nil)

	// Three consecutive decays: 1.0 * 0.85^3.
	e.Update("apply_patch", "simulate", OutcomeDecay)
	e.Update("apply_patch", "simulate", OutcomeDecay)
	e.Update("apply_patch", "simulate", OutcomeDecay)
	assert.InDelta(t, 0.85*0.85*0.85, e.Penalty("apply_patch", "simulate"), 1e-9)

	// Reset returns to exactly 1.0.
	e.Update("apply_patch", "simulate", OutcomeReset)
	assert.Equal(t, 1.0, e.Penalty("apply_patch", "simulate"))
}

func TestUpdate_DecayNeverBelowFloor(t *testing.T) {
	e := NewEngine(nil)
	for i := 0; i < 50; i++ {
		e.Update("analyze_code", "reason-only", OutcomeDecay)
	}
	assert.Equal(t, MinPenalty, e.Penalty("analyze_code", "reason-only"))
}

func TestUpdate_RecoveryCappedAtOne(t *testing.T) {
	e := NewEngine(nil)
	e.Update("inspect_repo", "reason-only", OutcomeDecay)
	for i := 0; i < 20; i++ {
		e.Update("inspect_repo", "reason-only", OutcomeRecovery)
	}
	assert.Equal(t, 1.0, e.Penalty("inspect_repo", "reason-only"))
}

func TestUpdate_PairsAreIndependent(t *testing.T) {
	e := NewEngine(nil)
	e.Update("apply_patch", "reason-only", OutcomeDecay)

	assert.InDelta(t, 0.85, e.Penalty("apply_patch", "reason-only"), 1e-9)
	assert.Equal(t, 1.0, e.Penalty("apply_patch", "simulate"), "other mode unaffected")
	assert.Equal(t, 1.0, e.Penalty("analyze_code", "reason-only"), "other type unaffected")
}

func TestSeed_FromAuditHistory(t *testing.T) {
	e := NewEngine(nil)

	e.Seed([]audit.Event{
		{Operation: audit.OpGateRejection, Details: map[string]any{"intent": "apply_patch", "mode": "reason-only"}},
		{Operation: audit.OpActionInvocation, Result: "success", Details: map[string]any{"tool": "inspect_repo"}},
		{Operation: audit.OpActionInvocation, Result: "error", Details: map[string]any{"tool": "apply_patch"}},
		{Operation: audit.OpSubmitIntent, Result: "accepted"},
	})

	assert.InDelta(t, 0.85, e.Penalty("apply_patch", "reason-only"), 1e-9, "rejection decays the pair")
	// Recovery on an unseen pair caps at 1.0.
	assert.Equal(t, 1.0, e.Penalty("inspect_repo", "reason-only"))
	assert.Equal(t, 1.0, e.Penalty("apply_patch", "simulate"), "failed invocation is ignored")
}

func TestSnapshot(t *testing.T) {
	e := NewEngine(nil)
	e.Update("plan_action", "simulate", OutcomeDecay)

	snap := e.Snapshot()
	assert.Len(t, snap, 1)
	assert.InDelta(t, 0.85, snap["plan_action/simulate"], 1e-9)
}
