package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/MP2EZ/being-sync/internal/config"
	"github.com/MP2EZ/being-sync/internal/seal"
	"github.com/MP2EZ/being-sync/internal/store"
	"github.com/MP2EZ/being-sync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state on this device",
	Long: `Display the current sync state.

Shows:
  - Store location and size
  - Queued operation count and dead letter count
  - Unresolved crisis journal entries
  - Spool backlog (capture files not yet ingested)
  - Dashboard reachability when the daemon is running`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))

		info, err := os.Stat(cfg.StorePath())
		if os.IsNotExist(err) {
			fmt.Printf("%s Store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'beingsync daemon' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking store: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Store: %s (%s)\n", cfg.StorePath(), formatSize(info.Size()))
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))

		printStoreCounts(cfg)
		printSpoolBacklog(cfg.SpoolDir)
		printDaemonHealth(cfg.DashboardPort)
		fmt.Println()
	},
}

func printStoreCounts(cfg *config.Config) {
	sealer, err := openSealer(cfg)
	if err != nil {
		fmt.Printf("%s %v\n", ui.RenderWarn("⚠"), err)
		return
	}
	st, err := store.Open(cfg.StorePath(), sealer)
	if err != nil {
		fmt.Printf("%s Store busy (daemon running?): %v\n", ui.RenderWarn("⚠"), err)
		return
	}
	defer st.Close()

	if depth, err := st.QueueDepth(); err == nil {
		fmt.Printf("Queued operations: %d\n", depth)
	}
	if letters, err := st.ListDeadLetters(0); err == nil {
		marker := ui.RenderPass("✓")
		if len(letters) > 0 {
			marker = ui.RenderWarn("⚠")
		}
		fmt.Printf("Dead letters: %d %s\n", len(letters), marker)
	}
	if crisis, err := st.UnresolvedCrisis(); err == nil && len(crisis) > 0 {
		fmt.Printf("%s Unresolved crisis entries: %d\n", ui.RenderFail("✗"), len(crisis))
	}
}

func printSpoolBacklog(spoolDir string) {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		return
	}
	backlog := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			backlog++
		}
	}
	fmt.Printf("Spool backlog: %d\n", backlog)
}

func printDaemonHealth(port int) {
	if port <= 0 {
		return
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Printf("Daemon: %s\n", ui.RenderMuted("not running"))
		return
	}
	defer resp.Body.Close()

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return
	}
	fmt.Printf("Daemon: %s (%d dashboard clients)\n", ui.RenderPass("running"), health.Clients)
}

// openSealer builds the payload sealer configured for this device. Plain
// when no key is set; count queries never unseal payloads.
func openSealer(cfg *config.Config) (seal.Sealer, error) {
	if cfg.SealKey == "" {
		return seal.Plain{}, nil
	}
	key, err := cfg.SealKeyBytes()
	if err != nil {
		return nil, err
	}
	return seal.NewChaCha(key)
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
