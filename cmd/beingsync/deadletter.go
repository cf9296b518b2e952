package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MP2EZ/being-sync/internal/config"
	"github.com/MP2EZ/being-sync/internal/store"
	"github.com/MP2EZ/being-sync/internal/ui"
)

var deadletterCmd = &cobra.Command{
	Use:     "deadletter",
	GroupID: "maint",
	Short:   "Inspect and recover failed operations",
	Long: `Manage the dead letter queue.

Operations land here after exhausting their retry budget. They can be
exported as JSONL for support review and imported back for another
dispatch attempt after the underlying problem is fixed.`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		st := mustOpenStore()
		defer st.Close()

		letters, err := st.ListDeadLetters(limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(letters) == 0 {
			fmt.Printf("%s Dead letter queue is empty\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("\n%s\n\n", ui.RenderHeader(fmt.Sprintf("Dead Letters (%d)", len(letters))))
		for _, dl := range letters {
			fmt.Printf("%s %s\n", ui.RenderFail("✗"), dl.ID)
			fmt.Printf("   Domain: %s  Attempts: %d\n", dl.Domain, dl.Attempt)
			fmt.Printf("   Failed: %s\n", dl.FailedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("   Reason: %s\n", dl.Reason)
		}
		fmt.Println()
	},
}

var deadletterExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export dead letters as JSONL to stdout or a file",
	Run: func(cmd *cobra.Command, args []string) {
		outPath, _ := cmd.Flags().GetString("out")

		st := mustOpenStore()
		defer st.Close()

		out := os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		n, err := st.ExportDeadLettersJSONL(out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if outPath != "" {
			fmt.Printf("%s Exported %d dead letters to %s\n", ui.RenderPass("✓"), n, outPath)
		}
	},
}

var deadletterImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import dead letters from JSONL (stdin when no file given)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		in := os.Stdin
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			in = f
		}

		st := mustOpenStore()
		defer st.Close()

		n, err := st.ImportDeadLettersJSONL(in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Imported %d dead letters\n", ui.RenderPass("✓"), n)
	},
}

// mustOpenStore opens the configured store or exits.
func mustOpenStore() *store.Store {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	sealer, err := openSealer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.StorePath(), sealer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store (daemon running?): %v\n", err)
		os.Exit(1)
	}
	return st
}

func init() {
	deadletterListCmd.Flags().Int("limit", 50, "Maximum entries to show (0 for all)")
	deadletterExportCmd.Flags().StringP("out", "o", "", "Write to file instead of stdout")

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterExportCmd)
	deadletterCmd.AddCommand(deadletterImportCmd)
	rootCmd.AddCommand(deadletterCmd)
}
