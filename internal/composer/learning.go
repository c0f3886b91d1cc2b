package composer

import (
	"sync"

	"github.com/fyrsmithlabs/governd/internal/policy"
)

// PreferenceWeights tracks how often each delegated agent's plan is chosen
// by a human. Weights bias future delegation rankings; they never bypass
// pruning or approval.
type PreferenceWeights struct {
	mu      sync.RWMutex
	weights map[string]float64
	cfg     policy.LearningConfig
}

// NewPreferenceWeights returns a tracker where every agent starts at 1.0.
func NewPreferenceWeights(cfg policy.LearningConfig) *PreferenceWeights {
	return &PreferenceWeights{
		weights: make(map[string]float64),
		cfg:     cfg,
	}
}

// Weight returns the current weight for an agent, defaulting to 1.0.
func (w *PreferenceWeights) Weight(agentID string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if v, ok := w.weights[agentID]; ok {
		return v
	}
	return 1.0
}

// RecordSelection boosts the chosen agent by the learning rate and decays
// every known agent by the decay rate, clamped to [MinWeight, MaxWeight].
func (w *PreferenceWeights) RecordSelection(agentID string, known []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range known {
		if _, ok := w.weights[id]; !ok {
			w.weights[id] = 1.0
		}
	}
	if _, ok := w.weights[agentID]; !ok {
		w.weights[agentID] = 1.0
	}
	w.weights[agentID] += w.cfg.LearningRate
	for id, v := range w.weights {
		v -= w.cfg.DecayRate
		if v < w.cfg.MinWeight {
			v = w.cfg.MinWeight
		}
		if v > w.cfg.MaxWeight {
			v = w.cfg.MaxWeight
		}
		w.weights[id] = v
	}
}

// Snapshot returns a copy of the current weights.
func (w *PreferenceWeights) Snapshot() map[string]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]float64, len(w.weights))
	for k, v := range w.weights {
		out[k] = v
	}
	return out
}
