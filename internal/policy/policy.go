// Package policy loads the read-only governance policy document. The policy
// is loaded once at startup and never mutated by the core at runtime.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxPolicyFileSize = 1024 * 1024 // 1MB

// Severity of a global policy rule.
const (
	SeverityHard = "hard"
	SeveritySoft = "soft"
)

// Rule is a single global governance rule.
type Rule struct {
	ID       string `koanf:"id" json:"id"`
	Rule     string `koanf:"rule" json:"rule"`
	Severity string `koanf:"severity" json:"severity"`
}

// PhaseExecutionConfig controls phased plan execution.
type PhaseExecutionConfig struct {
	Enabled               bool `koanf:"enabled" json:"enabled"`
	RequirePhaseApproval  bool `koanf:"require_phase_approval" json:"require_phase_approval"`
	AllowPhaseSkipping    bool `koanf:"allow_phase_skipping" json:"allow_phase_skipping"`
	GeneratePhaseReviews  bool `koanf:"generate_phase_reviews" json:"generate_phase_reviews"`
	PredictiveStaging     bool `koanf:"predictive_staging" json:"predictive_staging"`
	MaxPhasesPerPlan      int  `koanf:"max_phases_per_plan" json:"max_phases_per_plan"`
	RollbackNotesRequired bool `koanf:"rollback_notes_required" json:"rollback_notes_required"`
}

// PruningConfig eliminates candidate plans before ranking.
type PruningConfig struct {
	MinPlanConfidence  float64  `koanf:"min_plan_confidence" json:"min_plan_confidence"`
	ForbiddenActions   []string `koanf:"forbidden_actions" json:"forbidden_actions"`
	SandboxOnlyActions []string `koanf:"sandbox_only_actions" json:"sandbox_only_actions"`
	SandboxPrefix      string   `koanf:"sandbox_prefix" json:"sandbox_prefix"`
}

// RankingConfig weights surviving plans.
type RankingConfig struct {
	FrictionPenalty float64 `koanf:"friction_penalty" json:"friction_penalty"`
	HistoryBonus    float64 `koanf:"history_bonus" json:"history_bonus"`
}

// DelegationConfig controls multi-agent plan generation.
type DelegationConfig struct {
	Enabled    bool     `koanf:"enabled" json:"enabled"`
	AgentCount int      `koanf:"agent_count" json:"agent_count"`
	Framings   []string `koanf:"framings" json:"framings"`
}

// LearningConfig controls agent preference weights.
type LearningConfig struct {
	LearningRate float64 `koanf:"learning_rate" json:"learning_rate"`
	DecayRate    float64 `koanf:"decay_rate" json:"decay_rate"`
	MinWeight    float64 `koanf:"min_weight" json:"min_weight"`
	MaxWeight    float64 `koanf:"max_weight" json:"max_weight"`
}

// Policy is the loaded governance policy.
type Policy struct {
	GlobalPolicies []Rule               `koanf:"global_policies" json:"global_policies"`
	PhaseExecution PhaseExecutionConfig `koanf:"phase_execution_config" json:"phase_execution_config"`
	Pruning        PruningConfig        `koanf:"pruning_config" json:"pruning_config"`
	Ranking        RankingConfig        `koanf:"ranking_config" json:"ranking_config"`
	Delegation     DelegationConfig     `koanf:"delegation_config" json:"delegation_config"`
	Learning       LearningConfig       `koanf:"learning_config" json:"learning_config"`
}

// MaxDelegatedAgents bounds delegation regardless of configuration.
const MaxDelegatedAgents = 5

// Default returns the conservative policy used when no file is configured:
// phased execution is opt-in, approval gates are on, and no extra LLM calls
// are made.
func Default() *Policy {
	return &Policy{
		PhaseExecution: PhaseExecutionConfig{
			Enabled:               false,
			RequirePhaseApproval:  true,
			AllowPhaseSkipping:    true,
			GeneratePhaseReviews:  false,
			PredictiveStaging:     false,
			MaxPhasesPerPlan:      5,
			RollbackNotesRequired: true,
		},
		Pruning: PruningConfig{
			MinPlanConfidence:  0.4,
			SandboxOnlyActions: []string{"apply_patch"},
			SandboxPrefix:      "/tmp/ct-sandbox/",
		},
		Ranking: RankingConfig{
			FrictionPenalty: 0.05,
			HistoryBonus:    0.0,
		},
		Delegation: DelegationConfig{
			Enabled:    false,
			AgentCount: 3,
			Framings: []string{
				"conservative: minimal change, lowest risk",
				"speed-optimized: fastest path to the objective",
				"long-term-maintainable: prioritize clarity and reversibility",
			},
		},
		Learning: LearningConfig{
			LearningRate: 0.10,
			DecayRate:    0.02,
			MinWeight:    0.25,
			MaxWeight:    2.0,
		},
	}
}

// Load reads a policy YAML file, layering it over Default. An empty path
// returns Default unchanged.
func Load(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy file: %w", err)
	}
	if info.Size() > maxPolicyFileSize {
		return nil, fmt.Errorf("policy file too large: %d bytes (max %d)", info.Size(), maxPolicyFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := k.Unmarshal("", p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy validation failed: %w", err)
	}
	return p, nil
}

// Validate rejects configurations the core cannot honor.
func (p *Policy) Validate() error {
	for _, r := range p.GlobalPolicies {
		if r.Severity != SeverityHard && r.Severity != SeveritySoft {
			return fmt.Errorf("policy %q: invalid severity %q", r.ID, r.Severity)
		}
	}
	if p.Pruning.MinPlanConfidence < 0 || p.Pruning.MinPlanConfidence > 1 {
		return fmt.Errorf("min_plan_confidence must be in [0,1], got %v", p.Pruning.MinPlanConfidence)
	}
	if p.PhaseExecution.MaxPhasesPerPlan < 1 {
		return fmt.Errorf("max_phases_per_plan must be at least 1, got %d", p.PhaseExecution.MaxPhasesPerPlan)
	}
	if p.Delegation.AgentCount < 1 || p.Delegation.AgentCount > MaxDelegatedAgents {
		return fmt.Errorf("delegation agent_count must be in [1,%d], got %d", MaxDelegatedAgents, p.Delegation.AgentCount)
	}
	if p.Learning.MinWeight <= 0 || p.Learning.MaxWeight < p.Learning.MinWeight {
		return fmt.Errorf("learning weights must satisfy 0 < min_weight <= max_weight")
	}
	return nil
}

// PlanningForbidden reports whether a hard rule suppresses planning, and the
// rule that does.
func (p *Policy) PlanningForbidden() (Rule, bool) {
	for _, r := range p.GlobalPolicies {
		if r.Severity == SeverityHard && strings.Contains(strings.ToLower(r.Rule), "planning forbidden") {
			return r, true
		}
	}
	return Rule{}, false
}
