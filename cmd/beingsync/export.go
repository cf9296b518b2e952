package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/MP2EZ/being-sync/internal/config"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "advanced",
	Short:   "Export captured metrics from the running daemon",
	Long: `Export performance metrics and SLA state from the running daemon.

The daemon must be running with the dashboard enabled; metrics are fetched
from its /export endpoint.

The --since flag accepts natural language or RFC 3339 timestamps:
  beingsync export --since "2 hours ago"
  beingsync export --since "yesterday" --format csv
  beingsync export --since 2026-08-31T00:00:00Z

Formats:
  json  - dashboard state plus per-metric sample windows (default)
  csv   - flat sample table for spreadsheet import`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		sinceRaw, _ := cmd.Flags().GetString("since")
		outPath, _ := cmd.Flags().GetString("out")

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if cfg.DashboardPort <= 0 {
			fmt.Fprintf(os.Stderr, "Error: dashboard disabled (DASHBOARD_PORT=0), nothing to export from\n")
			os.Exit(1)
		}

		var since time.Time
		if sinceRaw != "" {
			since, err = parseSince(sinceRaw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		query := url.Values{"format": {format}}
		if !since.IsZero() {
			query.Set("since", since.Format(time.RFC3339))
		}
		endpoint := fmt.Sprintf("http://localhost:%d/export?%s", cfg.DashboardPort, query.Encode())

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(endpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon not reachable: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading response: %v\n", err)
			os.Exit(1)
		}
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}

		if outPath == "" {
			fmt.Print(string(body))
			return
		}
		if err := os.WriteFile(outPath, body, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outPath, err)
			os.Exit(1)
		}
		fmt.Printf("Exported %d bytes to %s\n", len(body), outPath)
	},
}

// parseSince accepts natural language ("2 hours ago") or RFC 3339.
func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(raw, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q: %w", raw, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q", raw)
	}
	return r.Time, nil
}

func init() {
	exportCmd.Flags().String("format", "json", "Export format: json or csv")
	exportCmd.Flags().String("since", "", "Only include samples at or after this time")
	exportCmd.Flags().StringP("out", "o", "", "Write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
