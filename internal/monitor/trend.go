package monitor

import (
	"math"
	"time"
)

// Trend classifies a metric's movement over a window. Advisory only: trend
// and anomaly output feed the dashboard and exports, never correctness
// paths.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
	TrendVolatile  Trend = "volatile"
)

// higherIsWorse reports whether rising values of the metric mean trouble.
func higherIsWorse(m Metric) bool {
	switch m {
	case MetricSyncLatency, MetricCrisisResponse, MetricCPU, MetricMemory:
		return true
	}
	return false
}

// AnalyzeTrend splits the trailing window into halves and compares means.
// A relative shift above 10% classifies the direction; a coefficient of
// variation above 0.5 classifies the series as volatile regardless.
func (m *Monitor) AnalyzeTrend(metric Metric, now time.Time) Trend {
	samples := m.metrics.Window(metric, now.Add(-m.window))
	if len(samples) < 4 {
		return TrendStable
	}

	mid := len(samples) / 2
	first := mean(samples[:mid])
	second := mean(samples[mid:])

	overall := mean(samples)
	if sd := stddev(samples, overall); overall != 0 && sd/math.Abs(overall) > 0.5 {
		return TrendVolatile
	}

	if first == 0 {
		return TrendStable
	}
	shift := (second - first) / math.Abs(first)
	if math.Abs(shift) < 0.10 {
		return TrendStable
	}

	rising := shift > 0
	if rising == higherIsWorse(metric) {
		return TrendDegrading
	}
	return TrendImproving
}

// Anomalies flags samples more than 2.5 standard deviations from the
// windowed mean.
func (m *Monitor) Anomalies(metric Metric, now time.Time) []Sample {
	samples := m.metrics.Window(metric, now.Add(-m.window))
	if len(samples) < 4 {
		return nil
	}

	mu := mean(samples)
	sd := stddev(samples, mu)
	if sd == 0 {
		return nil
	}

	var out []Sample
	for _, s := range samples {
		if math.Abs(s.Value-mu)/sd > 2.5 {
			out = append(out, s)
		}
	}
	return out
}

func stddev(samples []Sample, mu float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		d := s.Value - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)-1))
}
