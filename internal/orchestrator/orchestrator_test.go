package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/backend"
	"github.com/fyrsmithlabs/governd/internal/calibration"
	"github.com/fyrsmithlabs/governd/internal/composer"
	"github.com/fyrsmithlabs/governd/internal/intent"
	"github.com/fyrsmithlabs/governd/internal/plan"
	"github.com/fyrsmithlabs/governd/internal/policy"
)

type reasonerFunc func(ctx context.Context, prompt string) (json.RawMessage, error)

func (f reasonerFunc) Reason(ctx context.Context, prompt string) (json.RawMessage, error) {
	return f(ctx, prompt)
}

type stubGate struct {
	mu    sync.Mutex
	err   error
	calls []intent.Payload
}

func (g *stubGate) Submit(_ context.Context, payload any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := payload.(intent.Payload); ok {
		g.calls = append(g.calls, p)
	}
	return g.err
}

func (g *stubGate) submissions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type execCall struct {
	op     string
	target string
}

type stubExecutor struct {
	mu    sync.Mutex
	err   error
	calls []execCall
}

func (e *stubExecutor) Execute(_ context.Context, op, target string, _ map[string]string) (*backend.ToolResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, execCall{op: op, target: target})
	if e.err != nil {
		return nil, e.err
	}
	return &backend.ToolResult{Status: "success", Output: "ok"}, nil
}

func (e *stubExecutor) executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	orch     *Orchestrator
	queue    *intent.Queue
	registry *plan.Registry
	bridge   *plan.Bridge
	calib    *calibration.Engine
	gate     *stubGate
	executor *stubExecutor
	log      *audit.Log
	pol      *policy.Policy
}

const fixturePlanJSON = `{
	"type": "execution_plan",
	"goal": "test goal",
	"steps": [{"id": 1, "action": "inspect_repo", "target": "services", "risk": "low"}],
	"confidence": 0.8
}`

func newFixture(t *testing.T, pol *policy.Policy) *fixture {
	t.Helper()
	if pol == nil {
		pol = policy.Default()
	}
	queue := intent.NewQueue()
	registry := plan.NewRegistry(zap.NewNop())
	bridge := plan.NewBridge(registry, zap.NewNop())
	calib := calibration.NewEngine(zap.NewNop())
	gate := &stubGate{}
	executor := &stubExecutor{}
	log, err := audit.New(audit.Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	planReasoner := reasonerFunc(func(_ context.Context, prompt string) (json.RawMessage, error) {
		if strings.Contains(prompt, "review assistant") {
			return json.RawMessage(`{"type":"review_artifact"}`), nil
		}
		return json.RawMessage(fixturePlanJSON), nil
	})
	comp, err := composer.New(composer.Options{
		Reasoner:    planReasoner,
		Registry:    registry,
		Calibration: calib,
		Policy:      pol,
		Audit:       log,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	intentReasoner := reasonerFunc(func(context.Context, string) (json.RawMessage, error) {
		return json.RawMessage(`{"intent":"inspect_repo","source":"orchestrator","target":"services","confidence":0.9,"mode":"reason-only"}`), nil
	})

	orch, err := New(Options{
		Queue:       queue,
		Registry:    registry,
		Bridge:      bridge,
		Calibration: calib,
		Composer:    comp,
		Reasoner:    intentReasoner,
		Gate:        gate,
		Executor:    executor,
		Audit:       log,
		Policy:      pol,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	return &fixture{
		orch: orch, queue: queue, registry: registry, bridge: bridge,
		calib: calib, gate: gate, executor: executor, log: log, pol: pol,
	}
}

func payload(intentType, target string, confidence float64, mode string) *intent.Payload {
	return &intent.Payload{
		Intent:     intentType,
		Source:     "test",
		Target:     target,
		Confidence: confidence,
		Mode:       mode,
	}
}

func TestProposeModeNeverExecutes(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.sendIntent(context.Background(), payload(intent.TypeInspectRepo, "repo", 0.95, intent.ModePropose))

	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "propose")
	assert.Zero(t, f.gate.submissions())
	assert.Zero(t, f.executor.executions())

	drafts := f.log.Events(audit.Filter{Operation: audit.OpPlanDraft}, 10, 0)
	require.Len(t, drafts, 1)
}

func TestApplyPatchRejectedWithoutMandate(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.sendIntent(context.Background(), payload(intent.TypeApplyPatch, "/tmp/ct-sandbox/x.go", 0.95, intent.ModeReasonOnly))

	assert.Zero(t, f.gate.submissions())
	assert.Zero(t, f.executor.executions())
	rejections := f.log.Events(audit.Filter{Operation: audit.OpGateRejection}, 10, 0)
	require.Len(t, rejections, 1)
	assert.Contains(t, rejections[0].Details["reason"], "mandated")
}

func TestApplyPatchRejectedBelowThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.installFlatPlan(t, plan.Step{ID: 1, Action: intent.TypeApplyPatch, Target: "/tmp/ct-sandbox/x.go"})
	f.orch.setState(func(s *State) { s.ApprovedStepID = 1 })

	// Mandated, but calibrated confidence 0.5 is below 0.80.
	f.orch.sendIntent(context.Background(), payload(intent.TypeApplyPatch, "/tmp/ct-sandbox/x.go", 0.5, intent.ModeReasonOnly))

	assert.Zero(t, f.executor.executions())
	require.Len(t, f.log.Events(audit.Filter{Operation: audit.OpGateRejection}, 10, 0), 1)
}

// installFlatPlan registers a flat plan and drives it to executing.
func (f *fixture) installFlatPlan(t *testing.T, steps ...plan.Step) string {
	t.Helper()
	p := &plan.ComposedPlan{PlanID: "plan-flat", Goal: "flat", Steps: steps, Confidence: 0.9}
	require.NoError(t, f.registry.Register(p))
	require.NoError(t, f.bridge.Approve(plan.GuardView{Halted: true}, p.PlanID))
	require.NoError(t, f.bridge.BeginExecution(p.PlanID))
	f.orch.setState(func(s *State) { s.CurrentPlanID = p.PlanID })
	return p.PlanID
}

func TestApplyPatchMandatedStepExecutes(t *testing.T) {
	f := newFixture(t, nil)
	planID := f.installFlatPlan(t, plan.Step{ID: 1, Action: intent.TypeApplyPatch, Target: "/tmp/ct-sandbox/x.go"})
	f.orch.setState(func(s *State) { s.ApprovedStepID = 1 })

	f.orch.sendIntent(context.Background(), payload(intent.TypeApplyPatch, "/tmp/ct-sandbox/x.go", 0.95, intent.ModeReasonOnly))

	assert.Equal(t, 1, f.gate.submissions())
	require.Equal(t, 1, f.executor.executions())
	assert.Equal(t, backend.OpPatch, f.executor.calls[0].op)

	// Single-step plan completes after its only mandated step.
	got, _ := f.registry.Get(planID)
	assert.Equal(t, plan.StateCompleted, got.State)
	require.Len(t, f.log.Events(audit.Filter{Operation: audit.OpPlanCompleted}, 10, 0), 1)
}

func TestInsufficientConfidenceDrivesReflection(t *testing.T) {
	f := newFixture(t, nil)
	f.gate.err = backend.ErrInsufficientConfidence

	p := payload(intent.TypeInspectRepo, "services", 0.5, intent.ModeReasonOnly)
	f.orch.sendIntent(context.Background(), p)

	s := f.orch.Snapshot()
	require.NotNil(t, s.LastRejected)
	assert.False(t, s.Halted)

	// Next iteration reflects: same intent, confidence +0.20.
	f.gate.err = nil
	f.orch.iterate(context.Background())

	require.Equal(t, 2, f.gate.submissions())
	assert.Equal(t, intent.TypeInspectRepo, f.gate.calls[1].Intent)
	assert.Nil(t, f.orch.Snapshot().LastRejected)
	assert.Equal(t, 1, f.executor.executions())
}

func TestReframeAdvancesModeLadder(t *testing.T) {
	f := newFixture(t, nil)
	f.gate.err = backend.ErrInsufficientConfidence

	f.orch.sendIntent(context.Background(), payload(intent.TypeInspectRepo, "services", 0.5, intent.ModeReasonOnly))
	require.NotNil(t, f.orch.Snapshot().LastRejected)

	// Reflection retry, still rejected.
	f.orch.iterate(context.Background())
	// Reframe: reason-only -> simulate with confidence reset to 0.50.
	f.orch.iterate(context.Background())

	s := f.orch.Snapshot()
	assert.Equal(t, intent.ModeSimulate, s.Mode)
	last := f.gate.calls[len(f.gate.calls)-1]
	assert.Equal(t, intent.ModeSimulate, last.Mode)

	// Calibration decayed for the rejected mode and reset for the new one.
	assert.InDelta(t, 0.85, f.calib.Penalty(intent.TypeInspectRepo, intent.ModeReasonOnly), 1e-9)
	assert.Equal(t, 1.0, f.calib.Penalty(intent.TypeInspectRepo, intent.ModeSimulate))
}

func TestReframeLadderEndsInPropose(t *testing.T) {
	f := newFixture(t, nil)
	f.gate.err = backend.ErrInsufficientConfidence

	f.orch.sendIntent(context.Background(), payload(intent.TypeInspectRepo, "services", 0.5, intent.ModeSimulate))
	f.orch.iterate(context.Background()) // reflection, rejected
	f.orch.iterate(context.Background()) // reframe -> propose

	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "propose")
	assert.Zero(t, f.executor.executions())
	require.Len(t, f.log.Events(audit.Filter{Operation: audit.OpPlanDraft}, 10, 0), 1)
}

func TestLadderExhaustionHalts(t *testing.T) {
	f := newFixture(t, nil)
	rejected := payload(intent.TypeInspectRepo, "services", 0.5, intent.ModePropose)
	f.orch.setState(func(s *State) { s.LastRejected = rejected })
	f.orch.mu.Lock()
	f.orch.reflected = true
	f.orch.mu.Unlock()

	f.orch.handleRejection(context.Background())

	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "exhausted")
	assert.Nil(t, s.LastRejected)
}

func TestEvidenceSynthesisDrivesPlanning(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.reasoner = reasonerFunc(func(_ context.Context, prompt string) (json.RawMessage, error) {
		require.Contains(t, prompt, "/var/log/app.log")
		return json.RawMessage(`{"findings":["error rate rising after deploy"],"confidence":0.7}`), nil
	})

	f.orch.sendIntent(context.Background(), payload(intent.TypeSummariseLogs, "/var/log/app.log", 0.9, intent.ModeReasonOnly))

	summaries := f.log.Events(audit.Filter{Operation: audit.OpSemanticSummary}, 10, 0)
	require.Len(t, summaries, 1)
	assert.Equal(t, "/var/log/app.log", summaries[0].Resource)
	assert.Equal(t, []string{"error rate rising after deploy"}, summaries[0].Details["findings"])

	// First summary of the scope: no comparison, planning runs off the
	// summary itself.
	assert.Empty(t, f.log.Events(audit.Filter{Operation: audit.OpSemanticComparison}, 10, 0))
	assert.Contains(t, f.orch.Snapshot().HaltReason, "plan generated")
}

func TestEvidenceComparedAgainstPriorSummary(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.reasoner = reasonerFunc(func(_ context.Context, prompt string) (json.RawMessage, error) {
		if strings.Contains(prompt, "comparative analysis") {
			return json.RawMessage(`{"similarities":["same handler set"],"differences":["new route added"],"implications":["docs are stale"],"confidence":0.75}`), nil
		}
		return json.RawMessage(`{"findings":["handler added"],"confidence":0.8}`), nil
	})

	f.orch.sendIntent(context.Background(), payload(intent.TypeAnalyzeCode, "svc/api.go", 0.9, intent.ModeReasonOnly))
	f.orch.sendIntent(context.Background(), payload(intent.TypeAnalyzeCode, "svc/api.go", 0.9, intent.ModeReasonOnly))

	require.Len(t, f.log.Events(audit.Filter{Operation: audit.OpSemanticSummary}, 10, 0), 2)
	comparisons := f.log.Events(audit.Filter{Operation: audit.OpSemanticComparison}, 10, 0)
	require.Len(t, comparisons, 1)
	assert.Equal(t, "svc/api.go", comparisons[0].Resource)
	assert.Equal(t, []string{"new route added"}, comparisons[0].Details["differences"])
}

func TestEvidenceSynthesisExhaustionSkipsPlanning(t *testing.T) {
	f := newFixture(t, nil)
	attempts := 0
	f.orch.reasoner = reasonerFunc(func(context.Context, string) (json.RawMessage, error) {
		attempts++
		return nil, errors.New("reasoner down")
	})

	f.orch.sendIntent(context.Background(), payload(intent.TypeAnalyzeCode, "svc/api.go", 0.9, intent.ModeReasonOnly))

	assert.Equal(t, 2, attempts)
	assert.Empty(t, f.log.Events(audit.Filter{Operation: audit.OpSemanticSummary}, 10, 0))
	assert.Empty(t, f.log.Events(audit.Filter{Operation: audit.OpPlanGenerated}, 10, 0))
	assert.False(t, f.orch.Snapshot().Halted)
}

func TestApprovedIntentTriggersComposition(t *testing.T) {
	f := newFixture(t, nil)
	in := &intent.Intent{
		IntentID: "intent-1",
		Source:   "agent",
		Payload:  *payload(intent.TypePlanAction, "services", 0.9, intent.ModeReasonOnly),
		Status:   intent.StatusPending,
	}
	f.queue.Add(in)
	require.True(t, f.queue.Approve("intent-1", ""))

	f.orch.iterate(context.Background())

	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "plan generated")

	got, ok := f.queue.Get("intent-1")
	require.True(t, ok)
	assert.NotEmpty(t, got.ComposedPlanID)
	stored, ok := f.registry.Get(got.ComposedPlanID)
	require.True(t, ok)
	assert.Equal(t, plan.StatePending, stored.State)
}

func phasedPolicy() *policy.Policy {
	pol := policy.Default()
	pol.PhaseExecution.Enabled = true
	pol.PhaseExecution.RequirePhaseApproval = true
	pol.PhaseExecution.AllowPhaseSkipping = true
	return pol
}

func installPhasedPlan(t *testing.T, f *fixture, phases ...plan.Phase) string {
	t.Helper()
	p := &plan.ComposedPlan{PlanID: "plan-phased", Goal: "staged", Phases: phases, Confidence: 0.9}
	require.NoError(t, f.registry.Register(p))
	f.orch.halt("plan generated: awaiting approval")
	require.NoError(t, f.bridge.Approve(f.orch.GuardView(), p.PlanID))
	return p.PlanID
}

func TestPhasedSequentialExecution(t *testing.T) {
	f := newFixture(t, phasedPolicy())
	planID := installPhasedPlan(t, f,
		plan.Phase{PhaseID: "phase-1", Steps: []plan.Step{{ID: 1, Action: intent.TypeInspectRepo, Target: "a"}}},
		plan.Phase{PhaseID: "phase-2", DependsOn: []string{"phase-1"}, Steps: []plan.Step{{ID: 1, Action: intent.TypeAnalyzeCode, Target: "b"}}},
	)

	f.orch.applyResume(context.Background(), Signal{ApprovePlanID: planID})

	// Phase 1 ran; loop halted awaiting phase 2 approval.
	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Equal(t, []string{"phase-1"}, s.CompletedPhases)
	assert.Equal(t, 1, f.executor.executions())

	completed := f.log.Events(audit.Filter{Operation: audit.OpPhaseCompleted}, 10, 0)
	require.Len(t, completed, 1)
	assert.Equal(t, "phase-2", completed[0].Details["next_phase_id"])
	assert.Equal(t, true, completed[0].Details["awaiting_approval"])

	// Approve phase 2; plan completes.
	f.orch.applyResume(context.Background(), Signal{ApprovePhaseID: "phase-2"})

	got, _ := f.registry.Get(planID)
	assert.Equal(t, plan.StateCompleted, got.State)
	assert.Equal(t, 2, f.executor.executions())
	require.Len(t, f.log.Events(audit.Filter{Operation: audit.OpPlanCompleted}, 10, 0), 1)
	assert.False(t, f.orch.Snapshot().Halted)
}

func TestPhaseBlockedOnUnmetDependency(t *testing.T) {
	f := newFixture(t, phasedPolicy())
	planID := installPhasedPlan(t, f,
		plan.Phase{PhaseID: "phase-1", DependsOn: []string{"phase-0"}, Steps: []plan.Step{{ID: 1, Action: intent.TypeInspectRepo, Target: "a"}}},
	)

	f.orch.applyResume(context.Background(), Signal{ApprovePlanID: planID})

	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "dependencies unmet")
	assert.Zero(t, f.executor.executions())

	blocked := f.log.Events(audit.Filter{Operation: audit.OpPhaseBlocked}, 10, 0)
	require.Len(t, blocked, 1)
	assert.Equal(t, "phase-1", blocked[0].Details["phase_id"])

	got, _ := f.registry.Get(planID)
	assert.Equal(t, plan.PhaseBlocked, got.Phases[0].Status)
}

func TestDiamondDependencyResolution(t *testing.T) {
	f := newFixture(t, phasedPolicy())
	f.pol.PhaseExecution.RequirePhaseApproval = false
	planID := installPhasedPlan(t, f,
		plan.Phase{PhaseID: "base", Steps: []plan.Step{{ID: 1, Action: intent.TypeInspectRepo, Target: "a"}}},
		plan.Phase{PhaseID: "left", DependsOn: []string{"base"}, Steps: []plan.Step{{ID: 1, Action: intent.TypeAnalyzeCode, Target: "b"}}},
		plan.Phase{PhaseID: "right", DependsOn: []string{"base"}, Steps: []plan.Step{{ID: 1, Action: intent.TypeAnalyzeCode, Target: "c"}}},
		plan.Phase{PhaseID: "apex", DependsOn: []string{"left", "right"}, Steps: []plan.Step{{ID: 1, Action: intent.TypeSummariseLogs, Target: "d"}}},
	)

	// No phase approval required: each resume advances one phase boundary.
	f.orch.applyResume(context.Background(), Signal{ApprovePlanID: planID})
	for i := 0; i < 3 && f.orch.Snapshot().Halted; i++ {
		f.orch.applyResume(context.Background(), Signal{})
	}

	got, _ := f.registry.Get(planID)
	assert.Equal(t, plan.StateCompleted, got.State)
	assert.Equal(t, 4, f.executor.executions())
}

func TestSkipPolicyEnforcement(t *testing.T) {
	pol := phasedPolicy()
	pol.PhaseExecution.AllowPhaseSkipping = false
	f := newFixture(t, pol)

	f.orch.halt("test")
	f.orch.applyResume(context.Background(), Signal{SkipPhases: []string{"phase-1"}})
	assert.Empty(t, f.orch.Snapshot().SkippedPhases)

	events := f.log.Events(audit.Filter{Operation: audit.OpResumeOutcome}, 10, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "skip_refused_by_policy", events[0].Result)
}

func TestSkippedPhaseIsBypassed(t *testing.T) {
	f := newFixture(t, phasedPolicy())
	f.pol.PhaseExecution.RequirePhaseApproval = false
	planID := installPhasedPlan(t, f,
		plan.Phase{PhaseID: "phase-1", Steps: []plan.Step{{ID: 1, Action: intent.TypeInspectRepo, Target: "a"}}},
		plan.Phase{PhaseID: "phase-2", Steps: []plan.Step{{ID: 1, Action: intent.TypeAnalyzeCode, Target: "b"}}},
	)

	f.orch.applyResume(context.Background(), Signal{ApprovePlanID: planID, SkipPhases: []string{"phase-1"}})
	for i := 0; i < 2 && f.orch.Snapshot().Halted; i++ {
		f.orch.applyResume(context.Background(), Signal{})
	}

	got, _ := f.registry.Get(planID)
	assert.Equal(t, plan.StateCompleted, got.State)
	assert.Equal(t, plan.PhaseSkipped, got.Phases[0].Status)
	assert.Equal(t, plan.PhaseCompleted, got.Phases[1].Status)
	// Only phase-2's step ran.
	require.Equal(t, 1, f.executor.executions())
	assert.Equal(t, "b", f.executor.calls[0].target)
}

func TestStalePhaseApprovalCleared(t *testing.T) {
	f := newFixture(t, phasedPolicy())
	planID := installPhasedPlan(t, f,
		plan.Phase{PhaseID: "phase-1", Steps: []plan.Step{{ID: 1, Action: intent.TypeInspectRepo, Target: "a"}}},
		plan.Phase{PhaseID: "phase-2", Steps: []plan.Step{{ID: 1, Action: intent.TypeAnalyzeCode, Target: "b"}}},
		plan.Phase{PhaseID: "phase-3", Steps: []plan.Step{{ID: 1, Action: intent.TypeSummariseLogs, Target: "c"}}},
	)

	f.orch.applyResume(context.Background(), Signal{ApprovePlanID: planID})
	require.Equal(t, 1, f.executor.executions())

	// Approval for a phase the loop has not reached matches nothing
	// pending and must be discarded, not stored.
	f.orch.applyResume(context.Background(), Signal{ApprovePhaseID: "phase-3"})
	assert.Empty(t, f.orch.Snapshot().ApprovedPhaseID)
	assert.Contains(t, f.orch.Snapshot().HaltReason, "phase awaiting approval: phase-2")

	outcomes := f.log.Events(audit.Filter{Operation: audit.OpResumeOutcome}, 10, 0)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "phase_approval_cleared", outcomes[1].Result)

	// Skipping phase-2 lands on phase-3, which still needs its own
	// approval: the stale mandate must not carry it past the gate.
	f.orch.applyResume(context.Background(), Signal{SkipPhases: []string{"phase-2"}})
	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "phase awaiting approval: phase-3")
	assert.Equal(t, 1, f.executor.executions())
	got, _ := f.registry.Get(planID)
	assert.NotEqual(t, plan.StateCompleted, got.State)

	// A matching approval then completes the plan normally.
	f.orch.applyResume(context.Background(), Signal{ApprovePhaseID: "phase-3"})
	got, _ = f.registry.Get(planID)
	assert.Equal(t, plan.StateCompleted, got.State)
	assert.Equal(t, 2, f.executor.executions())
}

func TestStaleStepApprovalCleared(t *testing.T) {
	f := newFixture(t, nil)

	// No plan executing: a step mandate matches nothing.
	f.orch.halt("test")
	f.orch.applyResume(context.Background(), Signal{StepID: 2})
	assert.Zero(t, f.orch.Snapshot().ApprovedStepID)

	outcomes := f.log.Events(audit.Filter{Operation: audit.OpResumeOutcome}, 10, 0)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "step_approval_cleared", outcomes[0].Result)

	// With a flat plan executing, an id outside the plan is refused while
	// a real step id is accepted.
	f.installFlatPlan(t, plan.Step{ID: 1, Action: intent.TypeInspectRepo, Target: "services"})
	f.orch.halt("plan executing: awaiting step approval")
	f.orch.applyResume(context.Background(), Signal{StepID: 9})
	assert.Zero(t, f.orch.Snapshot().ApprovedStepID)
	f.orch.applyResume(context.Background(), Signal{StepID: 1})
	assert.Equal(t, 1, f.orch.Snapshot().ApprovedStepID)
}

func TestFlatPlanBypassesPhasedEngine(t *testing.T) {
	// Policy enables phases, but the plan has none: flat protocol applies.
	f := newFixture(t, phasedPolicy())
	p := &plan.ComposedPlan{PlanID: "plan-flat", Goal: "flat", Confidence: 0.9,
		Steps: []plan.Step{{ID: 1, Action: intent.TypeInspectRepo, Target: "services"}}}
	require.NoError(t, f.registry.Register(p))
	f.orch.halt("plan generated: awaiting approval")
	require.NoError(t, f.bridge.Approve(f.orch.GuardView(), p.PlanID))

	f.orch.applyResume(context.Background(), Signal{ApprovePlanID: p.PlanID})

	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "step approval")
	assert.Zero(t, f.executor.executions())
}

func TestPredictiveStagingClearedOnResume(t *testing.T) {
	pol := phasedPolicy()
	pol.PhaseExecution.PredictiveStaging = true
	f := newFixture(t, pol)
	planID := installPhasedPlan(t, f,
		plan.Phase{PhaseID: "phase-1", Steps: []plan.Step{{ID: 1, Action: intent.TypeInspectRepo, Target: "a"}}},
		plan.Phase{PhaseID: "phase-2", DependsOn: []string{"phase-1"}, Steps: []plan.Step{{ID: 1, Action: intent.TypeAnalyzeCode, Target: "b"}}},
	)

	f.orch.applyResume(context.Background(), Signal{ApprovePlanID: planID})
	assert.Equal(t, "phase-2", f.orch.Snapshot().StagedPhaseID)

	f.orch.applyResume(context.Background(), Signal{ApprovePhaseID: "phase-2"})
	assert.Empty(t, f.orch.Snapshot().StagedPhaseID)
}

func TestAbortRejectsExecutingPlan(t *testing.T) {
	f := newFixture(t, nil)
	planID := f.installFlatPlan(t, plan.Step{ID: 1, Action: intent.TypeInspectRepo, Target: "services"})
	f.orch.halt("plan executing: awaiting step approval")

	f.orch.applyResume(context.Background(), Signal{Abort: true})

	s := f.orch.Snapshot()
	assert.False(t, s.Halted)
	assert.Empty(t, s.CurrentPlanID)
	got, _ := f.registry.Get(planID)
	assert.Equal(t, plan.StateRejected, got.State)
}

func TestResumeHoldsSingleSignal(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.Resume(Signal{StepID: 3}))
	require.Error(t, f.orch.Resume(Signal{StepID: 4}), "second signal should not queue")
}

func TestPlanRoutingMatrix(t *testing.T) {
	flat := &plan.ComposedPlan{Steps: []plan.Step{{ID: 1}}}
	phased := &plan.ComposedPlan{Phases: []plan.Phase{{PhaseID: "phase-1"}}}

	tests := []struct {
		name    string
		enabled bool
		plan    *plan.ComposedPlan
		want    bool
	}{
		{"enabled phased", true, phased, true},
		{"enabled flat", true, flat, false},
		{"disabled phased", false, phased, false},
		{"disabled flat", false, flat, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pol := policy.Default()
			pol.PhaseExecution.Enabled = tt.enabled
			f := newFixture(t, pol)
			assert.Equal(t, tt.want, f.orch.usePhasedEngine(tt.plan))
		})
	}
}

func TestGateUnreachableHalts(t *testing.T) {
	f := newFixture(t, nil)
	f.gate.err = context.DeadlineExceeded

	f.orch.sendIntent(context.Background(), payload(intent.TypeInspectRepo, "services", 0.9, intent.ModeReasonOnly))

	s := f.orch.Snapshot()
	assert.True(t, s.Halted)
	assert.Contains(t, s.HaltReason, "unreachable")
}

func TestGeneratedIntentFollowsGate(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.iterate(context.Background())

	require.Equal(t, 1, f.gate.submissions())
	assert.Equal(t, intent.TypeInspectRepo, f.gate.calls[0].Intent)
	require.Equal(t, 1, f.executor.executions())
	assert.Equal(t, backend.OpList, f.executor.calls[0].op)

	events := f.log.Events(audit.Filter{Operation: audit.OpActionInvocation}, 10, 0)
	require.Len(t, events, 1)
	assert.Equal(t, "success", events[0].Result)
}
