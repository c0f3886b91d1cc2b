package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_SafeDefaults(t *testing.T) {
	p := Default()

	assert.False(t, p.PhaseExecution.Enabled, "phased execution should be opt-in")
	assert.True(t, p.PhaseExecution.RequirePhaseApproval, "approval gate should be on")
	assert.False(t, p.PhaseExecution.GeneratePhaseReviews, "no extra LLM calls by default")
	assert.Equal(t, 5, p.PhaseExecution.MaxPhasesPerPlan)
	assert.True(t, p.PhaseExecution.RollbackNotesRequired)
	assert.False(t, p.Delegation.Enabled)
	assert.Equal(t, "/tmp/ct-sandbox/", p.Pruning.SandboxPrefix)
	require.NoError(t, p.Validate())
}

func TestLoad_EmptyPathReturnsDefault(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestLoad_FileLayersOverDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
global_policies:
  - id: gp-1
    rule: "Planning forbidden while incident review is open"
    severity: hard
phase_execution_config:
  enabled: true
  max_phases_per_plan: 4
pruning_config:
  min_plan_confidence: 0.6
  forbidden_actions:
    - delete_repo
delegation_config:
  enabled: true
  agent_count: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	p, err := Load(path)
	require.NoError(t, err)

	assert.True(t, p.PhaseExecution.Enabled)
	assert.Equal(t, 4, p.PhaseExecution.MaxPhasesPerPlan)
	assert.Equal(t, 0.6, p.Pruning.MinPlanConfidence)
	assert.Equal(t, []string{"delete_repo"}, p.Pruning.ForbiddenActions)
	assert.True(t, p.Delegation.Enabled)
	assert.Equal(t, "/tmp/ct-sandbox/", p.Pruning.SandboxPrefix, "unset fields keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"bad severity", func(p *Policy) {
			p.GlobalPolicies = []Rule{{ID: "x", Rule: "r", Severity: "critical"}}
		}},
		{"confidence out of range", func(p *Policy) { p.Pruning.MinPlanConfidence = 1.5 }},
		{"zero max phases", func(p *Policy) { p.PhaseExecution.MaxPhasesPerPlan = 0 }},
		{"too many agents", func(p *Policy) { p.Delegation.AgentCount = 9 }},
		{"inverted weights", func(p *Policy) { p.Learning.MinWeight = 3; p.Learning.MaxWeight = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestPlanningForbidden(t *testing.T) {
	p := Default()
	_, forbidden := p.PlanningForbidden()
	assert.False(t, forbidden)

	p.GlobalPolicies = []Rule{
		{ID: "gp-soft", Rule: "planning forbidden", Severity: SeveritySoft},
		{ID: "gp-hard", Rule: "PLANNING FORBIDDEN during freeze", Severity: SeverityHard},
	}
	rule, forbidden := p.PlanningForbidden()
	assert.True(t, forbidden)
	assert.Equal(t, "gp-hard", rule.ID, "only hard rules suppress planning")
}
