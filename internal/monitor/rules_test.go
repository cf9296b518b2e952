package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
)

func ruleByName(t *testing.T, rules []Rule, name string) Rule {
	t.Helper()
	for _, r := range rules {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("rule %s not found", name)
	return Rule{}
}

func TestDefaultRulesCoverCrisisAndTiers(t *testing.T) {
	rules := DefaultRules(tier.DefaultCatalog())

	crisis := ruleByName(t, rules, "crisis_response_ceiling")
	if crisis.Threshold != 200 {
		t.Errorf("crisis threshold = %v ms, want 200", crisis.Threshold)
	}
	if crisis.Duration != 0 {
		t.Errorf("crisis rule duration = %v, want immediate", crisis.Duration)
	}
	if crisis.Tier != "" {
		t.Errorf("crisis rule tier = %q, want all tiers", crisis.Tier)
	}

	wantLatency := map[tier.Tier]float64{
		tier.TierTrial:   5000,
		tier.TierBasic:   2000,
		tier.TierPremium: 1000,
	}
	for tr, want := range wantLatency {
		r := ruleByName(t, rules, "sync_latency_"+string(tr))
		if r.Threshold != want {
			t.Errorf("%s latency threshold = %v ms, want %v", tr, r.Threshold, want)
		}
		if r.Tier != tr {
			t.Errorf("%s latency rule scoped to %q", tr, r.Tier)
		}
		if r.Duration != 10*time.Second {
			t.Errorf("%s latency rule duration = %v, want 10s", tr, r.Duration)
		}
	}

	floor := ruleByName(t, rules, "success_rate_floor")
	if floor.Comparison != CompareBelow {
		t.Errorf("success floor comparison = %q, want below", floor.Comparison)
	}

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			t.Errorf("default rule %s invalid: %v", r.Name, err)
		}
	}
}

func TestRuleValidateRejectsBadShapes(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Metric: MetricCPU, Comparison: CompareAbove}},
		{"missing metric", Rule{Name: "x", Comparison: CompareAbove}},
		{"bad comparison", Rule{Name: "x", Metric: MetricCPU, Comparison: "equals"}},
		{"negative duration", Rule{Name: "x", Metric: MetricCPU, Comparison: CompareAbove, Duration: -time.Second}},
		{"bad tier", Rule{Name: "x", Metric: MetricCPU, Comparison: CompareAbove, Tier: "platinum"}},
	}
	for _, tc := range cases {
		if err := tc.rule.Validate(); err == nil {
			t.Errorf("%s: Validate accepted the rule", tc.name)
		}
	}
}

func TestRuleMatchesScopesByTier(t *testing.T) {
	r := Rule{
		Name:       "basic_only",
		Metric:     MetricSyncLatency,
		Comparison: CompareAbove,
		Threshold:  2000,
		Tier:       tier.TierBasic,
	}

	breach := Sample{Metric: MetricSyncLatency, Value: 3000, Tier: tier.TierBasic}
	if !r.matches(breach) {
		t.Error("breaching basic sample did not match")
	}
	if r.matches(Sample{Metric: MetricSyncLatency, Value: 3000, Tier: tier.TierPremium}) {
		t.Error("premium sample matched a basic-scoped rule")
	}
	if r.matches(Sample{Metric: MetricSyncLatency, Value: 1000, Tier: tier.TierBasic}) {
		t.Error("sample under threshold matched")
	}
	if r.matches(Sample{Metric: MetricCPU, Value: 3000, Tier: tier.TierBasic}) {
		t.Error("sample for another metric matched")
	}
}

func TestLoadRulesAppendsToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	content := `
[[rule]]
name = "checkin_latency"
metric = "sync_latency"
comparison = "above"
threshold = 750.0
duration_ms = 5000
tier = "premium"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path, tier.DefaultCatalog())
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != len(DefaultRules(tier.DefaultCatalog()))+1 {
		t.Fatalf("rules = %d, want defaults plus one", len(rules))
	}

	r := ruleByName(t, rules, "checkin_latency")
	if r.Threshold != 750 {
		t.Errorf("threshold = %v, want 750", r.Threshold)
	}
	if r.Duration != 5*time.Second {
		t.Errorf("duration = %v, want 5s", r.Duration)
	}
	if r.Tier != tier.TierPremium {
		t.Errorf("tier = %q, want premium", r.Tier)
	}
}

func TestLoadRulesRejectsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.toml")
	content := `
[[rule]]
name = "broken"
metric = "cpu"
comparison = "sideways"
threshold = 1.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadRules(path, tier.DefaultCatalog())
	if err == nil {
		t.Fatal("LoadRules accepted an invalid comparison")
	}
	if !strings.Contains(err.Error(), "invalid comparison") {
		t.Errorf("error = %v, want invalid comparison", err)
	}
}
