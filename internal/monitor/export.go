package monitor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export formats supported by Export.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// exportDocument is the JSON export shape.
type exportDocument struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Since       time.Time           `json:"since"`
	Dashboard   DashboardData       `json:"dashboard"`
	Samples     map[Metric][]Sample `json:"samples"`
}

// Export serializes metrics captured at or after since. JSON includes the
// full dashboard state; CSV is a flat sample table for spreadsheet import.
func (m *Monitor) Export(format string, since time.Time) (string, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		doc := exportDocument{
			GeneratedAt: time.Now(),
			Since:       since,
			Dashboard:   m.DashboardData(),
			Samples:     make(map[Metric][]Sample),
		}
		for _, metric := range m.metrics.Metrics() {
			doc.Samples[metric] = m.metrics.Window(metric, since)
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal metrics export: %w", err)
		}
		return string(data), nil

	case FormatCSV:
		var b strings.Builder
		b.WriteString("timestamp,metric,value,tier,domain\n")
		for _, metric := range m.metrics.Metrics() {
			for _, s := range m.metrics.Window(metric, since) {
				b.WriteString(s.Timestamp.Format(time.RFC3339Nano))
				b.WriteByte(',')
				b.WriteString(string(s.Metric))
				b.WriteByte(',')
				b.WriteString(strconv.FormatFloat(s.Value, 'f', -1, 64))
				b.WriteByte(',')
				b.WriteString(string(s.Tier))
				b.WriteByte(',')
				b.WriteString(s.Domain)
				b.WriteByte('\n')
			}
		}
		return b.String(), nil

	default:
		return "", fmt.Errorf("unsupported export format %q (want json or csv)", format)
	}
}
