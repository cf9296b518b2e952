package tier

import (
	"time"
)

// ActionKind classifies an optimization action.
type ActionKind string

const (
	ActionFrequency   ActionKind = "frequency"
	ActionBatching    ActionKind = "batching"
	ActionCompression ActionKind = "compression"
	ActionPriority    ActionKind = "priority"
	ActionResource    ActionKind = "resource"
	ActionFeature     ActionKind = "feature"
)

// Action is one declarative optimization step with an estimated resource
// saving and the performance cost of taking it.
type Action struct {
	Kind ActionKind `json:"kind"`

	// Weight orders actions within a strategy; higher applies first.
	Weight float64 `json:"weight"`

	// EstimatedSavingPct is the expected resource saving (0-100).
	EstimatedSavingPct float64 `json:"estimated_saving_pct"`

	// PerformanceImpact is the expected cost to perceived performance
	// (0 = free, 1 = severe).
	PerformanceImpact float64 `json:"performance_impact"`
}

// Strategy is a declarative set of weighted optimization actions for a tier.
// The monitor's auto-mitigation does not invent new actions; it re-invokes
// the generator with raised pressure.
type Strategy struct {
	Tier        Tier      `json:"tier"`
	Pressure    float64   `json:"pressure"`
	GeneratedAt time.Time `json:"generated_at"`
	Actions     []Action  `json:"actions"`
}

// GenerateOptimizationStrategy builds the optimization plan for a tier.
// Pressure >= 0 tightens the plan: mitigation paths pass a positive value
// to widen savings at higher performance cost. Pressure 0 is the baseline
// plan applied on tier switch.
func (g *Governor) GenerateOptimizationStrategy(t Tier, pressure float64) Strategy {
	g.mu.RLock()
	cfg, ok := g.catalog[t]
	g.mu.RUnlock()
	if !ok {
		cfg = DefaultCatalog()[TierTrial]
	}
	return generateStrategy(cfg, pressure)
}

// generateStrategy derives actions from a tier config. Lower tiers lean on
// frequency and feature reduction; higher tiers prefer batching and
// compression so perceived latency is protected.
func generateStrategy(cfg Config, pressure float64) Strategy {
	if pressure < 0 {
		pressure = 0
	}
	boost := 1 + pressure

	s := Strategy{
		Tier:        cfg.Tier,
		Pressure:    pressure,
		GeneratedAt: time.Now(),
	}

	switch cfg.Tier {
	case TierPremium:
		s.Actions = []Action{
			{Kind: ActionBatching, Weight: 0.9 * boost, EstimatedSavingPct: 20, PerformanceImpact: 0.1},
			{Kind: ActionCompression, Weight: 0.7 * boost, EstimatedSavingPct: 30, PerformanceImpact: 0.15},
			{Kind: ActionResource, Weight: 0.4 * boost, EstimatedSavingPct: 10, PerformanceImpact: 0.05},
		}
	case TierBasic:
		s.Actions = []Action{
			{Kind: ActionBatching, Weight: 0.8 * boost, EstimatedSavingPct: 25, PerformanceImpact: 0.2},
			{Kind: ActionFrequency, Weight: 0.6 * boost, EstimatedSavingPct: 30, PerformanceImpact: 0.3},
			{Kind: ActionCompression, Weight: 0.5 * boost, EstimatedSavingPct: 25, PerformanceImpact: 0.15},
		}
	default: // trial
		s.Actions = []Action{
			{Kind: ActionFrequency, Weight: 0.9 * boost, EstimatedSavingPct: 40, PerformanceImpact: 0.4},
			{Kind: ActionFeature, Weight: 0.7 * boost, EstimatedSavingPct: 20, PerformanceImpact: 0.3},
			{Kind: ActionPriority, Weight: 0.5 * boost, EstimatedSavingPct: 10, PerformanceImpact: 0.2},
			{Kind: ActionCompression, Weight: 0.4 * boost, EstimatedSavingPct: 25, PerformanceImpact: 0.15},
		}
	}

	// Under pressure, every tier also sheds frequency.
	if pressure > 0 && cfg.Tier == TierPremium {
		s.Actions = append(s.Actions, Action{
			Kind: ActionFrequency, Weight: 0.3 * boost, EstimatedSavingPct: 15, PerformanceImpact: 0.25,
		})
	}

	return s
}

// ApplyTierOptimizations executes a strategy against the active config.
// Only actions whose weight clears the application threshold take effect;
// pressure raised by mitigation pushes more actions over it.
func (g *Governor) ApplyTierOptimizations(s Strategy) []ActionKind {
	const applyThreshold = 0.5

	g.mu.Lock()
	defer g.mu.Unlock()

	var applied []ActionKind
	for _, a := range s.Actions {
		if a.Weight < applyThreshold {
			continue
		}
		g.applyActionLocked(a)
		applied = append(applied, a.Kind)
	}
	return applied
}

// applyActionLocked mutates the active config for one action. Caller holds
// mu. Frequency and resource actions are bounded so repeated application
// cannot push the config into uselessness.
func (g *Governor) applyActionLocked(a Action) {
	base := g.catalog[g.active.Tier]
	switch a.Kind {
	case ActionFrequency:
		widened := g.active.SyncInterval * 5 / 4
		if max := base.SyncInterval * 4; widened > max {
			widened = max
		}
		g.active.SyncInterval = widened
	case ActionCompression:
		g.active.CompressPayloads = true
	case ActionBatching:
		// Batching keeps the interval but fills each drain to the
		// concurrency cap; nothing to mutate beyond keeping the cap.
	case ActionPriority:
		// Deprioritize low-class traffic by letting the fairness valve do
		// the promotion work; the engine already enforces strict class
		// order, so no config mutation is needed.
	case ActionResource:
		if g.active.Resources.NetworkBytesPerSec > base.Resources.NetworkBytesPerSec/4 {
			g.active.Resources.NetworkBytesPerSec = g.active.Resources.NetworkBytesPerSec * 3 / 4
		}
	case ActionFeature:
		g.active.Features.BackgroundSync = false
		g.active.Features.CrossDeviceSync = false
	}
}
