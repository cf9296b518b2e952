package monitor

import (
	"math"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
	"github.com/google/uuid"
)

// Severity grades a violation.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Impact is the triad used to grade a violation: how badly it hurts the
// user experience, the therapeutic value of the product, and the business.
// Each dimension is 0..1.
type Impact struct {
	UserExperience float64 `json:"user_experience"`
	Therapeutic    float64 `json:"therapeutic"`
	Business       float64 `json:"business"`
}

// Mitigation records the automatic mitigation attempt for a violation.
type Mitigation struct {
	Attempted      bool          `json:"attempted"`
	Succeeded      bool          `json:"succeeded"`
	Actions        []string      `json:"actions,omitempty"`
	TimeToMitigate time.Duration `json:"time_to_mitigate"`
}

// Violation is a detected, time-bounded breach of a threshold, tracked from
// open through mitigated or resolved.
type Violation struct {
	ID           string     `json:"id"`
	Rule         string     `json:"rule"`
	Metric       Metric     `json:"metric"`
	Severity     Severity   `json:"severity"`
	Actual       float64    `json:"actual"`
	Target       float64    `json:"target"`
	DeviationPct float64    `json:"deviation_pct"`
	OpenedAt     time.Time  `json:"opened_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Tier         tier.Tier  `json:"tier,omitempty"`
	Domain       string     `json:"domain,omitempty"`
	Impact       Impact     `json:"impact"`
	Mitigation   Mitigation `json:"mitigation"`
}

// newViolation builds a violation from a breaching sample. Crisis-response
// breaches are always emergency regardless of magnitude; everything else is
// graded from the impact triad.
func newViolation(rule Rule, s Sample, openedAt time.Time) *Violation {
	deviation := 0.0
	if rule.Threshold != 0 {
		deviation = math.Abs(s.Value-rule.Threshold) / math.Abs(rule.Threshold) * 100
	}

	impact := assessImpact(rule.Metric, deviation)
	severity := severityFor(impact)
	if rule.Metric == MetricCrisisResponse {
		severity = SeverityEmergency
	}

	return &Violation{
		ID:           uuid.NewString(),
		Rule:         rule.Name,
		Metric:       rule.Metric,
		Severity:     severity,
		Actual:       s.Value,
		Target:       rule.Threshold,
		DeviationPct: deviation,
		OpenedAt:     openedAt,
		Tier:         s.Tier,
		Domain:       s.Domain,
		Impact:       impact,
	}
}

// assessImpact maps a metric and its deviation onto the impact triad.
func assessImpact(metric Metric, deviationPct float64) Impact {
	// Scale deviation into 0..1: a 100% overshoot saturates.
	scale := math.Min(deviationPct/100, 1)

	switch metric {
	case MetricCrisisResponse:
		// Any crisis slowdown is maximal therapeutic impact.
		return Impact{UserExperience: scale, Therapeutic: 1, Business: 0.8}
	case MetricSyncLatency:
		return Impact{UserExperience: 0.4 + 0.6*scale, Therapeutic: 0.3 * scale, Business: 0.2 * scale}
	case MetricSyncSuccess, MetricThroughput:
		return Impact{UserExperience: 0.5 * scale, Therapeutic: 0.4 * scale, Business: 0.5 * scale}
	case MetricCPU, MetricMemory:
		return Impact{UserExperience: 0.3 * scale, Therapeutic: 0.1 * scale, Business: 0.3 * scale}
	default:
		return Impact{UserExperience: scale, Therapeutic: scale, Business: scale}
	}
}

// severityFor grades the impact triad.
func severityFor(im Impact) Severity {
	worst := math.Max(im.UserExperience, math.Max(im.Therapeutic, im.Business))
	switch {
	case worst >= 0.9:
		return SeverityEmergency
	case worst >= 0.6:
		return SeverityCritical
	case worst >= 0.3:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
