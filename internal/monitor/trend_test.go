package monitor

import (
	"testing"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
)

func appendSeries(m *Monitor, metric Metric, base time.Time, values []float64) {
	for i, v := range values {
		m.Metrics().Append(Sample{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Metric:    metric,
			Value:     v,
		})
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTrendDirectionFollowsMetricPolarity(t *testing.T) {
	now := time.Now()
	base := now.Add(-time.Minute)

	env := newMonitorEnv(t, tier.TierBasic)
	// Latency rising by 25% is degrading.
	appendSeries(env.monitor, MetricSyncLatency, base, append(repeat(100, 10), repeat(125, 10)...))
	if got := env.monitor.AnalyzeTrend(MetricSyncLatency, now); got != TrendDegrading {
		t.Errorf("rising latency trend = %s, want degrading", got)
	}

	// Success rate rising is improving: higher is better for it.
	env2 := newMonitorEnv(t, tier.TierBasic)
	appendSeries(env2.monitor, MetricSyncSuccess, base, append(repeat(0.6, 10), repeat(0.9, 10)...))
	if got := env2.monitor.AnalyzeTrend(MetricSyncSuccess, now); got != TrendImproving {
		t.Errorf("rising success trend = %s, want improving", got)
	}
}

func TestTrendStableUnderSmallShift(t *testing.T) {
	now := time.Now()
	env := newMonitorEnv(t, tier.TierBasic)
	appendSeries(env.monitor, MetricSyncLatency, now.Add(-time.Minute),
		append(repeat(100, 10), repeat(105, 10)...))
	if got := env.monitor.AnalyzeTrend(MetricSyncLatency, now); got != TrendStable {
		t.Errorf("trend = %s for a 5%% shift, want stable", got)
	}
}

func TestTrendVolatileSeries(t *testing.T) {
	now := time.Now()
	env := newMonitorEnv(t, tier.TierBasic)
	var swings []float64
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			swings = append(swings, 10)
		} else {
			swings = append(swings, 300)
		}
	}
	appendSeries(env.monitor, MetricSyncLatency, now.Add(-time.Minute), swings)
	if got := env.monitor.AnalyzeTrend(MetricSyncLatency, now); got != TrendVolatile {
		t.Errorf("trend = %s for a swinging series, want volatile", got)
	}
}

func TestTrendNeedsEnoughSamples(t *testing.T) {
	now := time.Now()
	env := newMonitorEnv(t, tier.TierBasic)
	appendSeries(env.monitor, MetricSyncLatency, now.Add(-time.Minute), []float64{100, 500, 900})
	if got := env.monitor.AnalyzeTrend(MetricSyncLatency, now); got != TrendStable {
		t.Errorf("trend = %s with 3 samples, want stable default", got)
	}
}

func TestAnomaliesFlagOutliers(t *testing.T) {
	now := time.Now()
	env := newMonitorEnv(t, tier.TierBasic)

	values := repeat(100, 20)
	values = append(values, 1000)
	appendSeries(env.monitor, MetricSyncLatency, now.Add(-time.Minute), values)

	anomalies := env.monitor.Anomalies(MetricSyncLatency, now)
	if len(anomalies) != 1 {
		t.Fatalf("anomalies = %d, want the single spike", len(anomalies))
	}
	if anomalies[0].Value != 1000 {
		t.Errorf("anomaly value = %v, want 1000", anomalies[0].Value)
	}
}

func TestAnomaliesEmptyForFlatSeries(t *testing.T) {
	now := time.Now()
	env := newMonitorEnv(t, tier.TierBasic)
	appendSeries(env.monitor, MetricSyncLatency, now.Add(-time.Minute), repeat(100, 20))
	if got := env.monitor.Anomalies(MetricSyncLatency, now); len(got) != 0 {
		t.Errorf("anomalies = %d for a flat series, want none", len(got))
	}
}
