package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "beingsync",
	Short: "Priority-aware device sync for Being wellness data",
	Long: `beingsync keeps a device's wellness data in sync with the relay.

The daemon watches a capture spool for check-ins, assessments, and crisis
events, routes them through a tier-governed priority queue, and ships them
to the relay over WebSocket. Crisis operations bypass every limit and
always dispatch first.

Configuration comes from the environment (or a .env file in the working
directory). At minimum RELAY_URL and SEAL_KEY must be set; see the
'daemon' command for the full list.`,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
