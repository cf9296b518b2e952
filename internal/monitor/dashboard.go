package monitor

import (
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
)

// DashboardData is the monitor's full externally-visible state, served to
// the dashboard and the status command.
type DashboardData struct {
	GeneratedAt      time.Time                    `json:"generated_at"`
	HealthScore      float64                      `json:"health_score"`
	ActiveViolations []Violation                  `json:"active_violations"`
	RecentResolved   []Violation                  `json:"recent_resolved,omitempty"`
	Compliance       map[tier.Tier]SLACompliance  `json:"compliance"`
	Percentiles      map[Metric]Percentiles       `json:"percentiles"`
	Trends           map[Metric]Trend             `json:"trends"`
}

// DashboardData assembles the current monitoring picture. The health score
// starts at 100 and loses points per active violation by severity, floored
// at zero.
func (m *Monitor) DashboardData() DashboardData {
	now := time.Now()

	trends := map[Metric]Trend{
		MetricSyncLatency:    m.AnalyzeTrend(MetricSyncLatency, now),
		MetricCrisisResponse: m.AnalyzeTrend(MetricCrisisResponse, now),
		MetricMemory:         m.AnalyzeTrend(MetricMemory, now),
		MetricSyncSuccess:    m.AnalyzeTrend(MetricSyncSuccess, now),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	score := 100.0
	actives := make([]Violation, 0, len(m.active))
	for _, v := range m.active {
		actives = append(actives, *v)
		switch v.Severity {
		case SeverityEmergency:
			score -= 40
		case SeverityCritical:
			score -= 20
		case SeverityWarning:
			score -= 10
		default:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}

	recent := m.resolved
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}
	recentCopy := make([]Violation, len(recent))
	copy(recentCopy, recent)

	compliance := make(map[tier.Tier]SLACompliance, len(m.compliance))
	for k, v := range m.compliance {
		compliance[k] = v
	}
	percentiles := make(map[Metric]Percentiles, len(m.percentiles))
	for k, v := range m.percentiles {
		percentiles[k] = v
	}

	return DashboardData{
		GeneratedAt:      now,
		HealthScore:      score,
		ActiveViolations: actives,
		RecentResolved:   recentCopy,
		Compliance:       compliance,
		Percentiles:      percentiles,
		Trends:           trends,
	}
}
