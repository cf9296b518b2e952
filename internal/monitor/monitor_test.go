package monitor

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
)

type violationLog struct {
	mu     sync.Mutex
	events []Violation
}

func (l *violationLog) record(v Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, v)
}

func (l *violationLog) all() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Violation, len(l.events))
	copy(out, l.events)
	return out
}

type monitorEnv struct {
	monitor    *Monitor
	gov        *tier.Governor
	violations *violationLog

	mu  sync.Mutex
	cpu float64
	mem float64
}

func newMonitorEnv(t *testing.T, initial tier.Tier) *monitorEnv {
	t.Helper()

	gov, err := tier.NewGovernor(tier.GovernorConfig{
		InitialTier: initial,
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new governor: %v", err)
	}

	env := &monitorEnv{gov: gov, violations: &violationLog{}, cpu: 5, mem: 64 << 20}
	m, err := New(Config{
		Governor:    gov,
		ReachableFn: func() bool { return true },
		ProbeFn: func() (float64, float64) {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.cpu, env.mem
		},
		OnViolation: env.violations.record,
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	env.monitor = m
	return env
}

func (env *monitorEnv) setProbe(cpu, mem float64) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.cpu = cpu
	env.mem = mem
}

func outcome(t tier.Tier, crisis bool, latency time.Duration, success bool) Outcome {
	return Outcome{
		OperationID: "op",
		Domain:      "check-in",
		Tier:        t,
		Crisis:      crisis,
		Latency:     latency,
		Success:     success,
	}
}

func TestCrisisBreachOpensEmergencyImmediately(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)

	// One slow crisis response is one too many: no persistence window.
	env.monitor.RecordOutcome(outcome(tier.TierBasic, true, 350*time.Millisecond, true))
	env.monitor.Evaluate(time.Now())

	active := env.monitor.ActiveViolations()
	if len(active) != 1 {
		t.Fatalf("active violations = %d, want 1", len(active))
	}
	v := active[0]
	if v.Rule != "crisis_response_ceiling" {
		t.Errorf("rule = %s", v.Rule)
	}
	if v.Severity != SeverityEmergency {
		t.Errorf("severity = %s, crisis breaches are always emergency", v.Severity)
	}
	if !v.Mitigation.Attempted || !v.Mitigation.Succeeded {
		t.Errorf("mitigation = %+v, want attempted and succeeded", v.Mitigation)
	}
	found := false
	for _, a := range v.Mitigation.Actions {
		if a == "emergency_monitoring_cadence" {
			found = true
		}
	}
	if !found {
		t.Errorf("actions = %v, want emergency monitoring cadence", v.Mitigation.Actions)
	}
	// The monitor switches to the crisis cadence for the emergency window.
	if got := env.monitor.tickInterval(); got != 500*time.Millisecond {
		t.Errorf("tick interval = %v during emergency, want 500ms", got)
	}
}

func TestLatencyRuleRequiresPersistence(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)
	t0 := time.Now()

	// Basic guarantees 2s; 5s breaches.
	env.monitor.RecordOutcome(outcome(tier.TierBasic, false, 5*time.Second, true))
	env.monitor.Evaluate(t0)
	if n := len(env.monitor.ActiveViolations()); n != 0 {
		t.Fatalf("violation opened before the 10s persistence window (%d active)", n)
	}

	// Still breaching on the next scan, past the persistence window.
	env.monitor.RecordOutcome(outcome(tier.TierBasic, false, 6*time.Second, true))
	env.monitor.Evaluate(t0.Add(11 * time.Second))

	active := env.monitor.ActiveViolations()
	if len(active) != 1 || active[0].Rule != "sync_latency_basic" {
		t.Fatalf("active = %+v, want sync_latency_basic", active)
	}
	if active[0].Tier != tier.TierBasic {
		t.Errorf("violation tier = %s, want basic", active[0].Tier)
	}

	// Latency mitigation reuses the governor's strategy generator.
	if !active[0].Mitigation.Attempted {
		t.Error("no mitigation attempted for latency violation")
	}

	// A compliant window resolves the violation.
	env.monitor.Evaluate(t0.Add(30 * time.Second))
	if n := len(env.monitor.ActiveViolations()); n != 0 {
		t.Fatalf("violation did not resolve (%d active)", n)
	}
	events := env.violations.all()
	last := events[len(events)-1]
	if last.ResolvedAt == nil {
		t.Error("resolution callback did not carry ResolvedAt")
	}
}

func TestResourcePressureTriggersCleanupMitigation(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)
	env.setProbe(5, 600<<20) // over the 512 MiB memory rule
	t0 := time.Now()

	env.monitor.Evaluate(t0)
	if n := len(env.monitor.ActiveViolations()); n != 0 {
		t.Fatalf("memory violation before the 30s persistence window (%d active)", n)
	}
	env.monitor.Evaluate(t0.Add(31 * time.Second))

	active := env.monitor.ActiveViolations()
	if len(active) != 1 || active[0].Rule != "memory_pressure" {
		t.Fatalf("active = %+v, want memory_pressure", active)
	}
	found := false
	for _, a := range active[0].Mitigation.Actions {
		if a == "free_os_memory" {
			found = true
		}
	}
	if !found {
		t.Errorf("actions = %v, want free_os_memory", active[0].Mitigation.Actions)
	}
}

func TestMitigationRunsOncePerBreach(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)
	t0 := time.Now()
	baseline := env.gov.ActiveConfig().SyncInterval

	env.monitor.RecordOutcome(outcome(tier.TierBasic, true, 400*time.Millisecond, true))
	env.monitor.Evaluate(t0)
	widened := env.gov.ActiveConfig().SyncInterval
	if widened <= baseline {
		t.Fatalf("interval = %v, want widened by emergency mitigation", widened)
	}

	// Continued breaches of the same rule do not re-apply mitigation.
	env.monitor.RecordOutcome(outcome(tier.TierBasic, true, 400*time.Millisecond, true))
	env.monitor.Evaluate(t0.Add(time.Second))
	if again := env.gov.ActiveConfig().SyncInterval; again != widened {
		t.Errorf("interval = %v, mitigation re-applied for an open breach", again)
	}
}

func TestComplianceAllDimensionsMet(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)

	for i := 0; i < 10; i++ {
		env.monitor.RecordOutcome(outcome(tier.TierBasic, false, 200*time.Millisecond, true))
	}
	env.monitor.RecordOutcome(outcome(tier.TierBasic, true, 80*time.Millisecond, true))
	env.monitor.Evaluate(time.Now())

	c := env.monitor.Compliance()[tier.TierBasic]
	if c.Overall != 1.0 {
		t.Fatalf("overall = %v, want 1.0; dims = %+v, actuals = %+v", c.Overall, c.PerDimension, c.Actuals)
	}
	for dim, met := range c.PerDimension {
		if !met {
			t.Errorf("dimension %s not met", dim)
		}
	}
	// Tiers with no traffic are vacuously compliant, not failing.
	if c := env.monitor.Compliance()[tier.TierPremium]; c.Overall != 1.0 {
		t.Errorf("idle premium overall = %v, want vacuous 1.0", c.Overall)
	}
}

func TestComplianceFlagsLatencyMiss(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)

	for i := 0; i < 10; i++ {
		env.monitor.RecordOutcome(outcome(tier.TierBasic, false, 5*time.Second, true))
	}
	env.monitor.Evaluate(time.Now())

	c := env.monitor.Compliance()[tier.TierBasic]
	if c.PerDimension["sync_latency"] {
		t.Error("sync_latency dimension met with 5s averages against a 2s target")
	}
	if c.Overall != 0.75 {
		t.Errorf("overall = %v, want 0.75", c.Overall)
	}
	if c.Actuals.AvgSyncLatencyMs != 5000 {
		t.Errorf("avg latency = %v ms, want 5000", c.Actuals.AvgSyncLatencyMs)
	}
}

func TestHealthScoreDegradesPerViolation(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)

	if score := env.monitor.DashboardData().HealthScore; score != 100 {
		t.Fatalf("idle health = %v, want 100", score)
	}

	env.monitor.RecordOutcome(outcome(tier.TierBasic, true, 300*time.Millisecond, true))
	env.monitor.Evaluate(time.Now())

	if score := env.monitor.DashboardData().HealthScore; score != 60 {
		t.Errorf("health = %v with one emergency violation, want 60", score)
	}
}

func TestCrisisSessionSwitchesCadence(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)

	if got := env.monitor.tickInterval(); got != time.Second {
		t.Fatalf("normal cadence = %v, want 1s", got)
	}
	env.monitor.CrisisSessionStart()
	if got := env.monitor.tickInterval(); got != 500*time.Millisecond {
		t.Errorf("crisis cadence = %v, want 500ms", got)
	}
	env.monitor.CrisisSessionEnd()
	if got := env.monitor.tickInterval(); got != time.Second {
		t.Errorf("cadence after session end = %v, want 1s", got)
	}
}
