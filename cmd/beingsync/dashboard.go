package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MP2EZ/being-sync/internal/dashboard"
	"github.com/MP2EZ/being-sync/internal/logging"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start a standalone dashboard server (no daemon)",
	Long: `Start a dashboard WebSocket server without the sync daemon.

This is for developing dashboard clients: the server accepts connections
and serves /health, but broadcasts nothing until a daemon feeds it. For
normal operation run 'beingsync daemon', which hosts its own dashboard.

WebSocket messages:
  sync_outcome - one dispatch result
  violation    - SLA violation opened or resolved
  compliance   - periodic per-tier SLA compliance snapshot
  status       - engine status snapshot
  tier_change  - subscription tier transition

Connect with a WebSocket client:
  ws://localhost:8484/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")

		sink := logging.New(logging.Options{})
		server := dashboard.NewServer(dashboard.Config{
			Port:   port,
			Logger: sink.Logger("dashboard"),
		})

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8484, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
