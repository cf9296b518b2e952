package monitor

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MP2EZ/being-sync/internal/tier"
)

func TestExportJSONCarriesDashboardAndSamples(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)
	env.monitor.RecordOutcome(outcome(tier.TierBasic, false, 150*time.Millisecond, true))
	env.monitor.RecordOutcome(outcome(tier.TierBasic, false, 250*time.Millisecond, true))

	out, err := env.monitor.Export(FormatJSON, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Export json: %v", err)
	}

	var doc struct {
		Dashboard struct {
			HealthScore float64 `json:"health_score"`
		} `json:"dashboard"`
		Samples map[Metric][]Sample `json:"samples"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if doc.Dashboard.HealthScore != 100 {
		t.Errorf("health score = %v with no violations, want 100", doc.Dashboard.HealthScore)
	}
	if len(doc.Samples[MetricSyncLatency]) != 2 {
		t.Errorf("latency samples = %d, want 2", len(doc.Samples[MetricSyncLatency]))
	}
	if len(doc.Samples[MetricSyncSuccess]) != 2 {
		t.Errorf("success samples = %d, want 2", len(doc.Samples[MetricSyncSuccess]))
	}
}

func TestExportCSVIsFlatSampleTable(t *testing.T) {
	env := newMonitorEnv(t, tier.TierPremium)
	env.monitor.RecordOutcome(outcome(tier.TierPremium, false, 120*time.Millisecond, true))

	out, err := env.monitor.Export(FormatCSV, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Export csv: %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if lines[0] != "timestamp,metric,value,tier,domain" {
		t.Errorf("csv header = %q", lines[0])
	}
	// One outcome lands a latency and a success sample.
	if len(lines) != 3 {
		t.Fatalf("csv rows = %d, want 2 plus header", len(lines)-1)
	}
	var latencyRow string
	for _, l := range lines[1:] {
		if strings.Contains(l, string(MetricSyncLatency)) {
			latencyRow = l
		}
	}
	if latencyRow == "" {
		t.Fatal("no sync_latency row")
	}
	fields := strings.Split(latencyRow, ",")
	if len(fields) != 5 {
		t.Fatalf("latency row fields = %d, want 5: %q", len(fields), latencyRow)
	}
	if fields[2] != "120" {
		t.Errorf("latency value = %q ms, want 120", fields[2])
	}
	if fields[3] != string(tier.TierPremium) {
		t.Errorf("tier column = %q", fields[3])
	}
	if fields[4] != "check-in" {
		t.Errorf("domain column = %q", fields[4])
	}
}

func TestExportSinceCutsOldSamples(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)
	base := time.Now()
	appendSeries(env.monitor, MetricSyncLatency, base.Add(-time.Hour), []float64{1, 2, 3})
	appendSeries(env.monitor, MetricSyncLatency, base, []float64{4, 5})

	out, err := env.monitor.Export(FormatCSV, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Export csv: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Errorf("csv rows = %d, want only the 2 recent samples", len(lines)-1)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	env := newMonitorEnv(t, tier.TierBasic)
	if _, err := env.monitor.Export("xml", time.Time{}); err == nil {
		t.Fatal("Export accepted an unknown format")
	}
}
