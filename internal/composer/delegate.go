package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
	"github.com/fyrsmithlabs/governd/internal/plan"
	"github.com/fyrsmithlabs/governd/internal/policy"
)

// AgentProposal is one sub-agent's contribution to a delegation round.
type AgentProposal struct {
	AgentID       string            `json:"agent_id"`
	Framing       string            `json:"framing"`
	Plan          *plan.ComposedPlan `json:"plan,omitempty"`
	Score         float64           `json:"score"`
	WeightedScore float64           `json:"weighted_score"`
	Pruned        bool              `json:"pruned"`
	PruneReasons  []string          `json:"prune_reasons,omitempty"`
	Failed        bool              `json:"failed"`
}

// DelegationResult is the meta-negotiation comparison handed to the human.
// The composer never merges or selects; it only compares.
type DelegationResult struct {
	Proposals   []AgentProposal `json:"proposals"`
	Consensus   []string        `json:"consensus_actions"`
	Divergence  []string        `json:"divergent_actions"`
	TopProposal string          `json:"top_proposal_agent_id,omitempty"`
}

// Delegate fans the same artifact out to n sub-agents with distinct role
// framings, prunes and scores each proposal independently, and returns a
// comparison artifact. Surviving plans are registered pending so a human
// can approve exactly one.
func (c *Composer) Delegate(ctx context.Context, artifact json.RawMessage, n int) (*DelegationResult, error) {
	if !c.pol.Delegation.Enabled {
		return nil, fmt.Errorf("delegation disabled by policy")
	}
	if rule, forbidden := c.pol.PlanningForbidden(); forbidden {
		c.emitBlockedReview(ctx, "restricted_action", map[string]any{
			"policy_id": rule.ID,
			"context":   "delegation suppressed by policy",
		})
		return nil, ErrPlanningBlocked
	}

	if n <= 0 {
		n = c.pol.Delegation.AgentCount
	}
	if n > policy.MaxDelegatedAgents {
		n = policy.MaxDelegatedAgents
	}
	if n < 2 {
		n = 2
	}
	framings := c.pol.Delegation.Framings
	if len(framings) == 0 {
		framings = []string{"You are a cautious reviewer minimising blast radius."}
	}

	proposals := make([]AgentProposal, 0, n)
	for i := 0; i < n; i++ {
		agentID := fmt.Sprintf("agent-%d", i+1)
		framing := framings[i%len(framings)]
		prop := AgentProposal{AgentID: agentID, Framing: framing}

		prompt := fmt.Sprintf(delegatedPlanPromptTemplate, framing, c.policyBlock(), artifact)
		raw, err := c.reasonForPlan(ctx, prompt)
		if err != nil {
			c.logger.Warn("delegated agent failed", zap.String("agent_id", agentID), zap.Error(err))
			prop.Failed = true
			proposals = append(proposals, prop)
			continue
		}

		p := c.toComposedPlan(*raw, map[string]any{"delegated_agent": agentID})
		if reasons := pruneReasons(*p, c.pol.Pruning); len(reasons) > 0 {
			prop.Pruned = true
			prop.PruneReasons = reasons
			proposals = append(proposals, prop)
			continue
		}

		ranked := Rank([]plan.ComposedPlan{*p}, c.pol.Ranking, c.calibrationMultiplier, c.historyBonus)
		prop.Score = ranked[0].Score
		prop.WeightedScore = clamp01(ranked[0].Score * c.weights.Weight(agentID))
		if err := c.registry.Register(p); err != nil {
			return nil, fmt.Errorf("register delegated plan: %w", err)
		}
		prop.Plan = p
		proposals = append(proposals, prop)
	}

	result := &DelegationResult{Proposals: proposals}
	result.Consensus, result.Divergence = compareProposals(proposals)
	if top := topProposal(proposals); top != "" {
		result.TopProposal = top
	}

	c.emit(audit.Event{
		Operation: audit.OpPlanSetGenerated,
		Result:    "success",
		Details: map[string]any{
			"delegated":    true,
			"agents":       n,
			"survivors":    countSurvivors(proposals),
			"consensus":    result.Consensus,
			"top_proposal": result.TopProposal,
		},
	})
	return result, nil
}

// compareProposals derives the consensus actions shared by every surviving
// proposal and the actions only one agent suggested.
func compareProposals(proposals []AgentProposal) (consensus, divergence []string) {
	actionAgents := make(map[string]map[string]bool)
	survivors := 0
	for _, prop := range proposals {
		if prop.Plan == nil {
			continue
		}
		survivors++
		for _, step := range allSteps(*prop.Plan) {
			key := step.Action + " " + step.Target
			if actionAgents[key] == nil {
				actionAgents[key] = make(map[string]bool)
			}
			actionAgents[key][prop.AgentID] = true
		}
	}
	for key, agents := range actionAgents {
		switch {
		case survivors > 1 && len(agents) == survivors:
			consensus = append(consensus, key)
		case len(agents) == 1:
			divergence = append(divergence, key)
		}
	}
	sort.Strings(consensus)
	sort.Strings(divergence)
	return consensus, divergence
}

func topProposal(proposals []AgentProposal) string {
	best := ""
	bestScore := -1.0
	for _, prop := range proposals {
		if prop.Plan != nil && prop.WeightedScore > bestScore {
			best = prop.AgentID
			bestScore = prop.WeightedScore
		}
	}
	return best
}

func countSurvivors(proposals []AgentProposal) int {
	n := 0
	for _, prop := range proposals {
		if prop.Plan != nil {
			n++
		}
	}
	return n
}
