package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MP2EZ/being-sync/internal/engine"
	"github.com/MP2EZ/being-sync/internal/monitor"
	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/store"
	"github.com/MP2EZ/being-sync/internal/tier"
	"github.com/MP2EZ/being-sync/internal/transport"
	"github.com/MP2EZ/being-sync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Run a local dispatch load test against an in-memory relay",
	Long: `Run a dispatch load test entirely on this machine.

The test builds a throwaway store, an in-memory relay transport with
configurable latency, and a full engine, then pushes the requested number
of operations through it and reports latency percentiles and throughput.

Examples:
  # 1000 operations against a relay answering in 5ms
  beingsync loadtest --ops 1000 --latency 5ms

  # 10% crisis traffic on the basic tier
  beingsync loadtest --ops 500 --crisis 0.1 --tier basic

  # Output results as JSON
  beingsync loadtest --json`,
	Run: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("ops", 1000, "Number of operations to dispatch")
	loadtestCmd.Flags().Float64("crisis", 0.05, "Fraction of operations flagged as crisis (0.0-1.0)")
	loadtestCmd.Flags().Duration("latency", 5*time.Millisecond, "Simulated relay latency per send")
	loadtestCmd.Flags().String("tier", string(tier.TierPremium), "Tier to run under: trial, basic, or premium")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	ops, _ := cmd.Flags().GetInt("ops")
	crisisPct, _ := cmd.Flags().GetFloat64("crisis")
	latency, _ := cmd.Flags().GetDuration("latency")
	tierName, _ := cmd.Flags().GetString("tier")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if ops <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --ops must be positive\n")
		os.Exit(1)
	}
	if crisisPct < 0 || crisisPct > 1 {
		fmt.Fprintf(os.Stderr, "Error: --crisis must be between 0.0 and 1.0\n")
		os.Exit(1)
	}
	if !tier.Tier(tierName).Valid() {
		fmt.Fprintf(os.Stderr, "Error: --tier must be trial, basic, or premium\n")
		os.Exit(1)
	}

	dir, err := os.MkdirTemp("", "beingsync-loadtest-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "loadtest.db"), seal.Plain{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	gov, err := tier.NewGovernor(tier.GovernorConfig{InitialTier: tier.Tier(tierName)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	remote := transport.NewMemory()
	remote.SetLatency(latency)

	var mu sync.Mutex
	var samples []monitor.Sample
	var successes, failures int

	eng, err := engine.New(engine.Config{
		Store:     st,
		Transport: remote,
		Governor:  gov,
		Sealer:    seal.Plain{},
		OnOutcome: func(o monitor.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			samples = append(samples, monitor.Sample{
				Timestamp: time.Now(),
				Value:     float64(o.Latency.Milliseconds()),
				Tier:      o.Tier,
				Domain:    o.Domain,
			})
			if o.Success {
				successes++
			} else {
				failures++
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Running load test: %d ops, %.0f%% crisis, %v relay latency, %s tier\n\n",
		ui.RenderAccent("🔄"), ops, crisisPct*100, latency, tierName)

	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	crisisEvery := 0
	if crisisPct > 0 {
		crisisEvery = int(1 / crisisPct)
	}
	enqueued := 0
	for i := 0; i < ops; i++ {
		domain := engine.DomainCheckIn
		priority := engine.PriorityNormal
		if crisisEvery > 0 && i%crisisEvery == 0 {
			domain = engine.DomainCrisis
			priority = engine.PriorityImmediate
		}
		payload := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		op, err := engine.NewOperation(domain, priority, payload, "loadtest", uuid.NewString())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building operation: %v\n", err)
			os.Exit(1)
		}
		if err := eng.Enqueue(op); err != nil {
			fmt.Fprintf(os.Stderr, "Error enqueueing: %v\n", err)
			os.Exit(1)
		}
		enqueued++
	}

	// Drive drain scans directly instead of waiting on the tier interval.
	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		status := eng.Status()
		if status.QueueDepth == 0 && status.ImmediatePending == 0 {
			break
		}
		eng.DrainTick(time.Now())
		time.Sleep(10 * time.Millisecond)
	}
	elapsed := time.Since(start)
	eng.Stop()

	mu.Lock()
	pct := monitor.ComputePercentiles(samples)
	attempts := len(samples)
	okCount, failCount := successes, failures
	mu.Unlock()

	if jsonOutput {
		out := map[string]any{
			"ops":         enqueued,
			"attempts":    attempts,
			"successes":   okCount,
			"failures":    failCount,
			"duration_ms": elapsed.Milliseconds(),
			"ops_per_sec": float64(okCount) / elapsed.Seconds(),
			"latency_ms": map[string]any{
				"p50": pct.P50,
				"p95": pct.P95,
				"p99": pct.P99,
			},
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("%s\n\n", ui.RenderHeader("Load Test Results"))
	fmt.Printf("Operations: %d enqueued, %d attempts\n", enqueued, attempts)
	fmt.Printf("Outcome: %s %d succeeded, %s %d failed\n",
		ui.RenderPass("✓"), okCount, ui.RenderFail("✗"), failCount)
	fmt.Printf("Duration: %v (%.0f ops/sec)\n", elapsed.Round(time.Millisecond), float64(okCount)/elapsed.Seconds())
	fmt.Printf("Latency: p50 %.0fms, p95 %.0fms, p99 %.0fms\n\n", pct.P50, pct.P95, pct.P99)

	if failCount > 0 {
		os.Exit(1)
	}
}
