package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
)

// synthesisAttempts bounds retries when the reasoner fails to produce a
// well-formed summary.
const synthesisAttempts = 2

// priorSummaryWindow caps how far back the prior-summary lookup scans.
const priorSummaryWindow = 500

const synthesisPromptTemplate = `You are the control plane's semantic synthesis unit.
Your task is to compress raw evidence into a concise, structured summary.

CONTENT to synthesize:
---
%s
---

SCOPE: %s
CONTEXT: %s

Output ONLY valid JSON in this format:
{
  "type": "semantic_summary",
  "scope": "%s",
  "findings": ["finding 1", "finding 2"],
  "confidence": 0.0-1.0
}
`

const comparisonPromptTemplate = `You are the control plane's comparative analysis unit.
Your task is to contrast two semantic summaries and highlight shifts, inconsistencies, or confirmations.

SUMMARY A (Prior):
%s

SUMMARY B (Current):
%s

Output ONLY valid JSON in this format:
{
  "type": "semantic_comparison",
  "left": "%s",
  "right": "%s",
  "similarities": ["bullet"],
  "differences": ["bullet"],
  "implications": ["bullet"],
  "confidence": 0.0-1.0
}
`

// semanticSummary is the compressed form of one read's evidence.
type semanticSummary struct {
	Type       string   `json:"type"`
	Scope      string   `json:"scope"`
	Findings   []string `json:"findings"`
	Confidence float64  `json:"confidence"`
}

// semanticComparison contrasts the current summary of a scope with the
// prior one recorded in the audit trail.
type semanticComparison struct {
	Type         string   `json:"type"`
	Left         string   `json:"left"`
	Right        string   `json:"right"`
	Similarities []string `json:"similarities"`
	Differences  []string `json:"differences"`
	Implications []string `json:"implications"`
	Confidence   float64  `json:"confidence"`
}

// synthesizeEvidence compresses raw read content into a semantic summary
// artifact. A nil return means both attempts failed; callers skip planning
// for this evidence.
func (o *Orchestrator) synthesizeEvidence(ctx context.Context, content, scope, intentName string) *semanticSummary {
	prompt := fmt.Sprintf(synthesisPromptTemplate, content, scope, intentName, scope)

	var summary *semanticSummary
	for attempt := 1; attempt <= synthesisAttempts; attempt++ {
		resp, err := o.reasoner.Reason(ctx, prompt)
		if err != nil {
			o.logger.Warn("evidence synthesis attempt failed",
				zap.Int("attempt", attempt), zap.String("scope", scope), zap.Error(err))
			continue
		}
		var s semanticSummary
		if err := json.Unmarshal(resp, &s); err != nil || len(s.Findings) == 0 {
			o.logger.Warn("evidence synthesis produced malformed summary",
				zap.Int("attempt", attempt), zap.String("scope", scope))
			continue
		}
		s.Type = "semantic_summary"
		s.Scope = scope
		summary = &s
		break
	}
	if summary == nil {
		return nil
	}

	o.emit(audit.Event{
		Operation: audit.OpSemanticSummary,
		Resource:  scope,
		Result:    "synthesized",
		Details: map[string]any{
			"intent":     intentName,
			"findings":   summary.Findings,
			"confidence": summary.Confidence,
		},
	})
	return summary
}

// priorSummary returns the most recent semantic summary recorded for the
// same scope, or nil when the scope has not been summarised before.
func (o *Orchestrator) priorSummary(scope string) *semanticSummary {
	if o.auditLog == nil {
		return nil
	}
	events := o.auditLog.Events(audit.Filter{Operation: audit.OpSemanticSummary}, priorSummaryWindow, 0)
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Resource != scope {
			continue
		}
		s := &semanticSummary{Type: "semantic_summary", Scope: scope}
		switch v := e.Details["findings"].(type) {
		case []string:
			s.Findings = v
		case []any:
			for _, f := range v {
				if str, ok := f.(string); ok {
					s.Findings = append(s.Findings, str)
				}
			}
		}
		if c, ok := e.Details["confidence"].(float64); ok {
			s.Confidence = c
		}
		return s
	}
	return nil
}

// compareEvidence contrasts the prior and current summaries of a scope and
// returns the comparison as a planning artifact. A nil return means the
// comparison could not be produced.
func (o *Orchestrator) compareEvidence(ctx context.Context, prior, current *semanticSummary) json.RawMessage {
	priorJSON, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		return nil
	}
	currentJSON, _ := json.MarshalIndent(current, "", "  ")
	prompt := fmt.Sprintf(comparisonPromptTemplate, priorJSON, currentJSON, prior.Scope, current.Scope)

	resp, err := o.reasoner.Reason(ctx, prompt)
	if err != nil {
		o.logger.Warn("evidence comparison failed", zap.String("scope", current.Scope), zap.Error(err))
		return nil
	}
	var cmp semanticComparison
	if err := json.Unmarshal(resp, &cmp); err != nil {
		o.logger.Warn("evidence comparison produced malformed artifact", zap.String("scope", current.Scope))
		return nil
	}
	cmp.Type = "semantic_comparison"
	cmp.Left = prior.Scope
	cmp.Right = current.Scope

	o.emit(audit.Event{
		Operation: audit.OpSemanticComparison,
		Resource:  current.Scope,
		Result:    "compared",
		Details: map[string]any{
			"left":         cmp.Left,
			"right":        cmp.Right,
			"similarities": cmp.Similarities,
			"differences":  cmp.Differences,
			"implications": cmp.Implications,
			"confidence":   cmp.Confidence,
		},
	})

	artifact, err := json.Marshal(cmp)
	if err != nil {
		return nil
	}
	return artifact
}
