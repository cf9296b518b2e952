package monitor

import (
	"runtime/debug"
	"time"
)

// emergencyWindow is how long the monitor stays on the crisis cadence after
// a crisis-response mitigation.
const emergencyWindow = 5 * time.Minute

// attemptAutoMitigation dispatches the mitigation recipe for a newly opened
// violation and records the outcome on the violation. A failed mitigation
// is not retried in a loop: the violation stays open and unresolved for
// escalation.
func (m *Monitor) attemptAutoMitigation(v *Violation, now time.Time) {
	m.mu.Lock()
	if m.mitigated[v.Rule] {
		m.mu.Unlock()
		return
	}
	m.mitigated[v.Rule] = true
	m.mu.Unlock()

	start := time.Now()
	var actions []string
	var succeeded bool

	switch v.Metric {
	case MetricSyncLatency, MetricThroughput, MetricSyncSuccess:
		// Re-invoke the governor's strategy generator under pressure; the
		// monitor does not invent actions of its own.
		pressure := pressureFor(v.Severity)
		strategy := m.gov.GenerateOptimizationStrategy(m.gov.CurrentTier(), pressure)
		applied := m.gov.ApplyTierOptimizations(strategy)
		for _, kind := range applied {
			actions = append(actions, string(kind))
		}
		succeeded = len(applied) > 0

	case MetricCrisisResponse:
		// Crisis path: tighten monitoring, push the governor to shed
		// everything non-essential. The engine's reserved crisis slot is
		// structural; mitigation makes sure nothing competes with it.
		m.mu.Lock()
		m.emergencyUntil = now.Add(emergencyWindow)
		m.mu.Unlock()

		strategy := m.gov.GenerateOptimizationStrategy(m.gov.CurrentTier(), pressureFor(SeverityEmergency))
		applied := m.gov.ApplyTierOptimizations(strategy)
		actions = append(actions, "emergency_monitoring_cadence")
		for _, kind := range applied {
			actions = append(actions, string(kind))
		}
		succeeded = true

	case MetricCPU, MetricMemory:
		// Resource pressure: return freed memory to the OS and let the
		// governor throttle.
		debug.FreeOSMemory()
		actions = append(actions, "free_os_memory")
		applied := m.gov.EnforceLimits(now)
		actions = append(actions, applied...)
		succeeded = true
	}

	elapsed := time.Since(start)

	m.mu.Lock()
	if cur, ok := m.active[v.Rule]; ok {
		cur.Mitigation = Mitigation{
			Attempted:      true,
			Succeeded:      succeeded,
			Actions:        actions,
			TimeToMitigate: elapsed,
		}
	}
	v.Mitigation = Mitigation{Attempted: true, Succeeded: succeeded, Actions: actions, TimeToMitigate: elapsed}
	m.mu.Unlock()

	if succeeded {
		m.logger.Printf("Mitigation for %s applied in %s: %v", v.Rule, elapsed, actions)
	} else {
		m.logger.Printf("Mitigation for %s FAILED; violation %s left open for escalation", v.Rule, v.ID)
	}
}

// pressureFor maps severity to strategy-generation pressure.
func pressureFor(s Severity) float64 {
	switch s {
	case SeverityEmergency:
		return 1.0
	case SeverityCritical:
		return 0.6
	case SeverityWarning:
		return 0.3
	default:
		return 0.1
	}
}
