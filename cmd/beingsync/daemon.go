package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MP2EZ/being-sync/internal/config"
	"github.com/MP2EZ/being-sync/internal/daemon"
	"github.com/MP2EZ/being-sync/internal/logging"
	"github.com/MP2EZ/being-sync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Start the sync daemon (foreground)",
	Long: `Start the sync daemon in foreground mode.

The daemon will:
  1. Watch the capture spool for new JSON capture files
  2. Classify captures by domain and enqueue them by priority
  3. Dispatch queued operations to the relay over WebSocket
  4. Track SLA compliance and broadcast events to the dashboard

Required environment:
  RELAY_URL   relay websocket endpoint (e.g. wss://relay.example.com/sync)
  SEAL_KEY    hex-encoded 32-byte payload encryption key

Optional environment:
  STATE_DIR        state directory (default .beingsync)
  SPOOL_DIR        capture spool (default STATE_DIR/spool)
  TIER             initial subscription tier (default trial)
  DASHBOARD_PORT   dashboard listen port, 0 disables (default 8484)
  LOG_FILE         rotated log destination (default stderr only)

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		sink := logging.New(logging.Options{
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		})
		defer sink.Close()

		d, err := daemon.New(cfg, sink)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   State dir: %s\n", cfg.StateDir)
		fmt.Printf("   Spool dir: %s\n", cfg.SpoolDir)
		if cfg.DashboardPort > 0 {
			fmt.Printf("   Dashboard: http://localhost:%d\n", cfg.DashboardPort)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
