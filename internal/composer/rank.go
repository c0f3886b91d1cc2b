package composer

import (
	"sort"

	"github.com/fyrsmithlabs/governd/internal/plan"
	"github.com/fyrsmithlabs/governd/internal/policy"
)

// tieBias is the multiplicative edge given to earlier plan ids so equal
// scores rank deterministically. Small enough never to reorder genuinely
// distinct scores.
const tieBias = 1e-9

// HistoryBonusFunc scores a plan from past outcomes. The default ignores
// the plan and returns the policy constant.
type HistoryBonusFunc func(p plan.ComposedPlan) float64

// ConstantHistoryBonus returns a HistoryBonusFunc yielding a fixed bonus.
func ConstantHistoryBonus(bonus float64) HistoryBonusFunc {
	return func(plan.ComposedPlan) float64 { return bonus }
}

// CalibrationMultiplierFunc maps a plan to its calibration multiplier.
type CalibrationMultiplierFunc func(p plan.ComposedPlan) float64

// RankedPlan pairs a surviving plan with its computed score.
type RankedPlan struct {
	Plan  plan.ComposedPlan `json:"plan"`
	Score float64           `json:"score"`
}

// Rank orders surviving plans best first. The score is
// clamp01(confidence * calibration - frictionPenalty + historyBonus); ties
// break toward the plan that appeared earlier in the candidate list.
func Rank(plans []plan.ComposedPlan, cfg policy.RankingConfig, multiplier CalibrationMultiplierFunc, bonus HistoryBonusFunc) []RankedPlan {
	if multiplier == nil {
		multiplier = func(plan.ComposedPlan) float64 { return 1.0 }
	}
	if bonus == nil {
		bonus = ConstantHistoryBonus(cfg.HistoryBonus)
	}

	ranked := make([]RankedPlan, len(plans))
	for i, p := range plans {
		score := clamp01(p.Confidence*multiplier(p) - cfg.FrictionPenalty + bonus(p))
		// Earlier candidates get an infinitesimally larger score.
		score *= 1 + tieBias*float64(len(plans)-i)
		ranked[i] = RankedPlan{Plan: p, Score: score}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].Score > ranked[b].Score
	})
	for i := range ranked {
		ranked[i].Score = clamp01(ranked[i].Score)
	}
	return ranked
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
