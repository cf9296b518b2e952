package monitor

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/MP2EZ/being-sync/internal/tier"
)

// Comparison is how a sample relates to a rule threshold to breach it.
type Comparison string

const (
	CompareAbove Comparison = "above"
	CompareBelow Comparison = "below"
)

// Rule is one alert rule: a sample breaches it when Value crosses Threshold
// per Comparison and the breach persists for Duration. Zero duration means
// the first breaching sample opens a violation immediately; crisis rules
// use that.
type Rule struct {
	Name       string        `toml:"name"`
	Metric     Metric        `toml:"metric"`
	Comparison Comparison    `toml:"comparison"`
	Threshold  float64       `toml:"threshold"`
	Duration   time.Duration `toml:"duration"`

	// Tier restricts the rule to samples from one tier. Empty matches all.
	Tier tier.Tier `toml:"tier"`
}

// Validate checks the rule for values the evaluator cannot run with.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Metric == "" {
		return fmt.Errorf("rule %s: metric is required", r.Name)
	}
	switch r.Comparison {
	case CompareAbove, CompareBelow:
	default:
		return fmt.Errorf("rule %s: invalid comparison %q", r.Name, r.Comparison)
	}
	if r.Duration < 0 {
		return fmt.Errorf("rule %s: duration cannot be negative", r.Name)
	}
	if r.Tier != "" && !r.Tier.Valid() {
		return fmt.Errorf("rule %s: invalid tier %q", r.Name, r.Tier)
	}
	return nil
}

// matches reports whether the rule applies to a sample and the sample
// breaches the threshold.
func (r Rule) matches(s Sample) bool {
	if s.Metric != r.Metric {
		return false
	}
	if r.Tier != "" && s.Tier != r.Tier {
		return false
	}
	switch r.Comparison {
	case CompareAbove:
		return s.Value > r.Threshold
	case CompareBelow:
		return s.Value < r.Threshold
	}
	return false
}

// DefaultRules derives the built-in rule set from a tier catalog: one
// latency rule per tier at its guaranteed max sync latency, the
// tier-independent crisis rule at the hard 200 ms ceiling, and resource
// guards.
func DefaultRules(catalog tier.Catalog) []Rule {
	rules := []Rule{
		{
			Name:       "crisis_response_ceiling",
			Metric:     MetricCrisisResponse,
			Comparison: CompareAbove,
			Threshold:  float64(tier.CrisisLatencyTarget.Milliseconds()),
			Duration:   0, // immediate: one slow crisis response is one too many
		},
		{
			Name:       "memory_pressure",
			Metric:     MetricMemory,
			Comparison: CompareAbove,
			Threshold:  512 << 20,
			Duration:   30 * time.Second,
		},
		{
			Name:       "cpu_pressure",
			Metric:     MetricCPU,
			Comparison: CompareAbove,
			Threshold:  80,
			Duration:   30 * time.Second,
		},
		{
			Name:       "success_rate_floor",
			Metric:     MetricSyncSuccess,
			Comparison: CompareBelow,
			Threshold:  0.5,
			Duration:   time.Minute,
		},
	}

	for _, t := range []tier.Tier{tier.TierTrial, tier.TierBasic, tier.TierPremium} {
		cfg, ok := catalog[t]
		if !ok {
			continue
		}
		rules = append(rules, Rule{
			Name:       fmt.Sprintf("sync_latency_%s", t),
			Metric:     MetricSyncLatency,
			Comparison: CompareAbove,
			Threshold:  float64(cfg.Guarantees.MaxSyncLatency.Milliseconds()),
			Duration:   10 * time.Second,
			Tier:       t,
		})
	}
	return rules
}

// ruleFile is the TOML shape for operator-provided rules.
type ruleFile struct {
	Rules []ruleEntry `toml:"rule"`
}

type ruleEntry struct {
	Name       string `toml:"name"`
	Metric     string `toml:"metric"`
	Comparison string `toml:"comparison"`
	Threshold  float64
	DurationMS int    `toml:"duration_ms"`
	Tier       string `toml:"tier"`
}

// LoadRules reads additional alert rules from a TOML file and appends them
// to the defaults for the catalog.
func LoadRules(path string, catalog tier.Catalog) ([]Rule, error) {
	var file ruleFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := DefaultRules(catalog)
	for _, e := range file.Rules {
		r := Rule{
			Name:       e.Name,
			Metric:     Metric(e.Metric),
			Comparison: Comparison(e.Comparison),
			Threshold:  e.Threshold,
			Duration:   time.Duration(e.DurationMS) * time.Millisecond,
			Tier:       tier.Tier(e.Tier),
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rules file: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
