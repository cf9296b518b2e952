package monitor

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
)

// Outcome is one dispatch result reported by the engine.
type Outcome struct {
	OperationID string
	Domain      string
	Tier        tier.Tier
	Crisis      bool
	Latency     time.Duration
	Success     bool
	Conflict    bool
}

// SLATargets are the per-tier guarantees being tracked.
type SLATargets struct {
	MaxSyncLatencyMs float64 `json:"max_sync_latency_ms"`
	CrisisResponseMs float64 `json:"crisis_response_ms"`
	SuccessRate      float64 `json:"success_rate"`
	Uptime           float64 `json:"uptime"`
}

// SLAActuals are the aggregated observations over the trailing window.
type SLAActuals struct {
	AvgSyncLatencyMs   float64 `json:"avg_sync_latency_ms"`
	AvgCrisisLatencyMs float64 `json:"avg_crisis_latency_ms"`
	SuccessRate        float64 `json:"success_rate"`
	Uptime             float64 `json:"uptime"`
}

// SLACompliance is the rolling compliance record for one tier. Recomputed
// every evaluation tick; never mutated elsewhere.
type SLACompliance struct {
	Tier         tier.Tier       `json:"tier"`
	Window       time.Duration   `json:"window"`
	Targets      SLATargets      `json:"targets"`
	Actuals      SLAActuals      `json:"actuals"`
	PerDimension map[string]bool `json:"per_dimension"`
	Overall      float64         `json:"overall"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// Config configures a Monitor.
type Config struct {
	// Metrics is the sample store. A fresh store is created when nil.
	Metrics *MetricStore

	// Governor receives mitigation feedback. Required.
	Governor *tier.Governor

	// Rules are the alert rules. Defaults to DefaultRules over the
	// governor's catalog-equivalent defaults when nil.
	Rules []Rule

	// NormalTick is the evaluation cadence (default 1s). CrisisTick is the
	// cadence while any crisis monitoring session is active (default 500ms).
	NormalTick time.Duration
	CrisisTick time.Duration

	// Window is the trailing SLA window (default 1h).
	Window time.Duration

	// ReachableFn probes transport connectivity for the uptime series.
	ReachableFn func() bool

	// ProbeFn returns (cpuPercent, memoryBytes). Defaults to a
	// runtime-based probe.
	ProbeFn func() (float64, float64)

	// OnViolation is invoked for every opened and resolved violation,
	// outside the monitor lock.
	OnViolation func(Violation)

	// Logger for monitor activity.
	Logger *log.Logger
}

// Monitor samples performance in real time, detects threshold violations,
// attempts automatic mitigation, and tracks rolling SLA compliance per
// tier. It runs on its own tick and shares no lock with engine dispatch.
type Monitor struct {
	metrics *MetricStore
	gov     *tier.Governor
	logger  *log.Logger

	normalTick  time.Duration
	crisisTick  time.Duration
	window      time.Duration
	reachableFn func() bool
	probeFn     func() (float64, float64)
	onViolation func(Violation)

	mu             sync.Mutex
	rules          []Rule
	breachSince    map[string]time.Time
	mitigated      map[string]bool // rule name -> mitigation already tried
	active         map[string]*Violation
	resolved       []Violation
	compliance     map[tier.Tier]SLACompliance
	percentiles    map[Metric]Percentiles
	crisisSessions int
	emergencyUntil time.Time
	lastEval       time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Governor == nil {
		return nil, fmt.Errorf("monitor: governor is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetricStore(0)
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules(tier.DefaultCatalog())
	}
	for _, r := range cfg.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.NormalTick <= 0 {
		cfg.NormalTick = time.Second
	}
	if cfg.CrisisTick <= 0 {
		cfg.CrisisTick = 500 * time.Millisecond
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.ProbeFn == nil {
		cfg.ProbeFn = runtimeProbe
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[monitor] ", log.LstdFlags)
	}

	return &Monitor{
		metrics:     cfg.Metrics,
		gov:         cfg.Governor,
		logger:      cfg.Logger,
		normalTick:  cfg.NormalTick,
		crisisTick:  cfg.CrisisTick,
		window:      cfg.Window,
		reachableFn: cfg.ReachableFn,
		probeFn:     cfg.ProbeFn,
		onViolation: cfg.OnViolation,
		rules:       cfg.Rules,
		breachSince: make(map[string]time.Time),
		mitigated:   make(map[string]bool),
		active:      make(map[string]*Violation),
		compliance:  make(map[tier.Tier]SLACompliance),
		percentiles: make(map[Metric]Percentiles),
		done:        make(chan struct{}),
	}, nil
}

// Metrics exposes the underlying sample store.
func (m *Monitor) Metrics() *MetricStore { return m.metrics }

// RecordOutcome ingests one dispatch result from the engine. Append-only;
// never blocks on evaluation.
func (m *Monitor) RecordOutcome(ev Outcome) {
	now := time.Now()
	latencyMs := float64(ev.Latency) / float64(time.Millisecond)

	metric := MetricSyncLatency
	if ev.Crisis {
		metric = MetricCrisisResponse
	}
	m.metrics.Append(Sample{Timestamp: now, Metric: metric, Value: latencyMs, Tier: ev.Tier, Domain: ev.Domain})

	success := 0.0
	if ev.Success {
		success = 1.0
	}
	m.metrics.Append(Sample{Timestamp: now, Metric: MetricSyncSuccess, Value: success, Tier: ev.Tier, Domain: ev.Domain})
	m.metrics.Append(Sample{Timestamp: now, Metric: MetricThroughput, Value: 1, Tier: ev.Tier, Domain: ev.Domain})
}

// CrisisSessionStart switches the monitor to the crisis evaluation cadence
// until the matching CrisisSessionEnd.
func (m *Monitor) CrisisSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crisisSessions++
}

// CrisisSessionEnd ends one crisis monitoring session.
func (m *Monitor) CrisisSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.crisisSessions > 0 {
		m.crisisSessions--
	}
}

// Start launches the evaluation loop. Use Stop to shut down.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the evaluation loop and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// loop re-arms a timer each pass so the cadence follows crisis state.
func (m *Monitor) loop() {
	defer m.wg.Done()

	timer := time.NewTimer(m.tickInterval())
	defer timer.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-timer.C:
			m.Evaluate(now)
			timer.Reset(m.tickInterval())
		}
	}
}

// tickInterval is crisis-aware: 500ms while any crisis session or
// emergency mitigation window is active, 1s otherwise.
func (m *Monitor) tickInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.crisisSessions > 0 || time.Now().Before(m.emergencyUntil) {
		return m.crisisTick
	}
	return m.normalTick
}

// Evaluate runs one monitoring tick: probe resources, evaluate alert
// rules, recompute percentiles and SLA compliance, and trigger mitigation
// for newly opened violations. Exported so tests can tick deterministically.
func (m *Monitor) Evaluate(now time.Time) {
	// 1. Resource probes and uptime.
	cpu, mem := m.probeFn()
	m.metrics.Append(Sample{Timestamp: now, Metric: MetricCPU, Value: cpu})
	m.metrics.Append(Sample{Timestamp: now, Metric: MetricMemory, Value: mem})
	if m.reachableFn != nil {
		up := 0.0
		if m.reachableFn() {
			up = 1.0
		}
		m.metrics.Append(Sample{Timestamp: now, Metric: MetricUptime, Value: up})
	}

	// 2. Alert rules.
	opened, resolved := m.evaluateRules(now)

	// 3. Percentiles over the trailing window.
	m.recomputePercentiles(now)

	// 4. SLA compliance per tier.
	m.recomputeCompliance(now)

	// 5. Mitigation for newly opened violations, outside the lock.
	for _, v := range opened {
		m.attemptAutoMitigation(v, now)
		if m.onViolation != nil {
			m.onViolation(*v)
		}
	}
	for _, v := range resolved {
		if m.onViolation != nil {
			m.onViolation(v)
		}
	}

	m.mu.Lock()
	m.lastEval = now
	m.mu.Unlock()
}

// evaluateRules scans samples since the previous tick against every rule.
// A rule opens a violation when a breaching sample persists for the rule's
// duration (zero duration opens on the first breaching sample). A rule's
// violation resolves when its latest sample is back in compliance.
func (m *Monitor) evaluateRules(now time.Time) (opened []*Violation, resolved []Violation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.lastEval
	if since.IsZero() {
		since = now.Add(-m.normalTick)
	}

	for _, rule := range m.rules {
		recent := m.metrics.Window(rule.Metric, since)

		// Worst breaching sample since the last tick, if any.
		var worst *Sample
		for i := range recent {
			s := recent[i]
			if !rule.matches(s) {
				continue
			}
			if worst == nil || breachMagnitude(rule, s) > breachMagnitude(rule, *worst) {
				worst = &recent[i]
			}
		}

		if worst == nil {
			// Back in compliance: close any open breach for this rule.
			delete(m.breachSince, rule.Name)
			delete(m.mitigated, rule.Name)
			if v, ok := m.active[rule.Name]; ok {
				ts := now
				v.ResolvedAt = &ts
				m.resolved = append(m.resolved, *v)
				if len(m.resolved) > 256 {
					m.resolved = m.resolved[len(m.resolved)-256:]
				}
				delete(m.active, rule.Name)
				resolved = append(resolved, *v)
				m.logger.Printf("Violation resolved: %s (%s)", rule.Name, v.ID)
			}
			continue
		}

		start, breaching := m.breachSince[rule.Name]
		if !breaching {
			start = worst.Timestamp
			m.breachSince[rule.Name] = start
		}

		if _, open := m.active[rule.Name]; open {
			continue // already tracked
		}
		if now.Sub(start) < rule.Duration {
			continue // not persistent yet
		}

		v := newViolation(rule, *worst, now)
		m.active[rule.Name] = v
		opened = append(opened, v)
		m.logger.Printf("Violation opened: %s severity=%s actual=%.1f target=%.1f (%.0f%% off)",
			rule.Name, v.Severity, v.Actual, v.Target, v.DeviationPct)
	}
	return opened, resolved
}

// breachMagnitude orders breaching samples so the worst one is reported.
func breachMagnitude(rule Rule, s Sample) float64 {
	if rule.Comparison == CompareBelow {
		return rule.Threshold - s.Value
	}
	return s.Value - rule.Threshold
}

func (m *Monitor) recomputePercentiles(now time.Time) {
	since := now.Add(-m.window)
	fresh := make(map[Metric]Percentiles)
	for _, metric := range m.metrics.Metrics() {
		fresh[metric] = ComputePercentiles(m.metrics.Window(metric, since))
	}

	m.mu.Lock()
	m.percentiles = fresh
	m.mu.Unlock()
}

// recomputeCompliance aggregates the trailing window per tier against the
// tier's guarantees. Dimensions with no samples are treated as met.
func (m *Monitor) recomputeCompliance(now time.Time) {
	since := now.Add(-m.window)
	syncSamples := m.metrics.Window(MetricSyncLatency, since)
	crisisSamples := m.metrics.Window(MetricCrisisResponse, since)
	successSamples := m.metrics.Window(MetricSyncSuccess, since)
	uptimeSamples := m.metrics.Window(MetricUptime, since)

	fresh := make(map[tier.Tier]SLACompliance)
	for _, t := range []tier.Tier{tier.TierTrial, tier.TierBasic, tier.TierPremium} {
		cfg := m.gov.ResolveTier(tier.SubscriptionState{Tier: t, Billing: tier.BillingActive})

		targets := SLATargets{
			MaxSyncLatencyMs: float64(cfg.Guarantees.MaxSyncLatency.Milliseconds()),
			CrisisResponseMs: float64(tier.CrisisLatencyTarget.Milliseconds()),
			SuccessRate:      cfg.Guarantees.UptimeTarget,
			Uptime:           cfg.Guarantees.UptimeTarget,
		}

		tierSync := filterTier(syncSamples, t)
		tierCrisis := filterTier(crisisSamples, t)
		tierSuccess := filterTier(successSamples, t)

		actuals := SLAActuals{
			AvgSyncLatencyMs:   mean(tierSync),
			AvgCrisisLatencyMs: mean(tierCrisis),
			SuccessRate:        mean(tierSuccess),
			Uptime:             mean(uptimeSamples),
		}

		dims := map[string]bool{
			"sync_latency":    len(tierSync) == 0 || actuals.AvgSyncLatencyMs <= targets.MaxSyncLatencyMs,
			"crisis_response": len(tierCrisis) == 0 || actuals.AvgCrisisLatencyMs <= targets.CrisisResponseMs,
			"success_rate":    len(tierSuccess) == 0 || actuals.SuccessRate >= targets.SuccessRate,
			"uptime":          len(uptimeSamples) == 0 || actuals.Uptime >= targets.Uptime,
		}

		met := 0
		for _, ok := range dims {
			if ok {
				met++
			}
		}

		fresh[t] = SLACompliance{
			Tier:         t,
			Window:       m.window,
			Targets:      targets,
			Actuals:      actuals,
			PerDimension: dims,
			Overall:      float64(met) / float64(len(dims)),
			ComputedAt:   now,
		}
	}

	m.mu.Lock()
	m.compliance = fresh
	m.mu.Unlock()
}

func filterTier(samples []Sample, t tier.Tier) []Sample {
	var out []Sample
	for _, s := range samples {
		if s.Tier == t {
			out = append(out, s)
		}
	}
	return out
}

// Compliance returns the latest per-tier compliance snapshot.
func (m *Monitor) Compliance() map[tier.Tier]SLACompliance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[tier.Tier]SLACompliance, len(m.compliance))
	for k, v := range m.compliance {
		out[k] = v
	}
	return out
}

// ActiveViolations returns the currently open violations.
func (m *Monitor) ActiveViolations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Violation, 0, len(m.active))
	for _, v := range m.active {
		out = append(out, *v)
	}
	return out
}

// runtimeProbe is the default resource probe: goroutine count stands in
// for CPU pressure and heap in-use for memory.
func runtimeProbe() (float64, float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	cpu := float64(runtime.NumGoroutine()) / float64(runtime.NumCPU())
	return cpu, float64(ms.HeapInuse)
}
