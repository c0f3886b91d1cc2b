// Package calibration maintains the per-(intent type, mode) trust multiplier
// applied to raw confidence scores before gating. Repeated low-confidence
// rejections suppress a pair; successful tool executions slowly restore it.
package calibration

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/governd/internal/audit"
)

// Multiplier bounds.
const (
	DecayFactor  = 0.85
	RecoveryStep = 0.05
	MinPenalty   = 0.30
	MaxPenalty   = 1.0
)

// Outcome names a calibration transition.
type Outcome string

const (
	OutcomeDecay    Outcome = "decay"
	OutcomeRecovery Outcome = "recovery"
	OutcomeReset    Outcome = "reset"
)

type key struct {
	intentType string
	mode       string
}

// Engine holds penalty multipliers for the process lifetime. The multiplier
// is advisory to gating thresholds only and is never written back into an
// intent's recorded confidence.
type Engine struct {
	mu        sync.RWMutex
	penalties map[key]float64
	logger    *zap.Logger
}

// NewEngine creates an empty calibration engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		penalties: make(map[key]float64),
		logger:    logger.Named("calibration"),
	}
}

// Penalty returns the multiplier for a pair, 1.0 if unseen.
func (e *Engine) Penalty(intentType, mode string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.penalties[key{intentType, mode}]; ok {
		return p
	}
	return MaxPenalty
}

// Update applies the named transition to a pair.
func (e *Engine) Update(intentType, mode string, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := key{intentType, mode}
	penalty, ok := e.penalties[k]
	if !ok {
		penalty = MaxPenalty
	}

	switch outcome {
	case OutcomeDecay:
		penalty *= DecayFactor
		if penalty < MinPenalty {
			penalty = MinPenalty
		}
	case OutcomeRecovery:
		penalty += RecoveryStep
		if penalty > MaxPenalty {
			penalty = MaxPenalty
		}
	case OutcomeReset:
		penalty = MaxPenalty
	default:
		return
	}

	e.penalties[k] = penalty
	e.logger.Debug("calibration updated",
		zap.String("intent_type", intentType),
		zap.String("mode", mode),
		zap.String("outcome", string(outcome)),
		zap.Float64("penalty", penalty))
}

// Seed replays historical audit events into the engine: a successful
// action_invocation recovers trust in (tool, reason-only) and a
// gate_rejection decays (intent, mode).
func (e *Engine) Seed(events []audit.Event) {
	for _, ev := range events {
		switch ev.Operation {
		case audit.OpActionInvocation:
			if ev.Result != "success" {
				continue
			}
			if tool, ok := stringDetail(ev, "tool"); ok {
				e.Update(tool, "reason-only", OutcomeRecovery)
			}
		case audit.OpGateRejection:
			intent, ok := stringDetail(ev, "intent")
			if !ok {
				continue
			}
			mode, _ := stringDetail(ev, "mode")
			e.Update(intent, mode, OutcomeDecay)
		}
	}
}

// Snapshot returns a copy of the current penalties keyed by "type/mode".
func (e *Engine) Snapshot() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]float64, len(e.penalties))
	for k, v := range e.penalties {
		out[k.intentType+"/"+k.mode] = v
	}
	return out
}

func stringDetail(ev audit.Event, field string) (string, bool) {
	v, ok := ev.Details[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
