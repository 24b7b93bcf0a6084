package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mioxoim/whisper-appliance-sub001/internal/history"
)

var (
	historyDBPath string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent update attempts",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBPath, "db", getEnvOrDefault("APPLIANCE_DB_PATH", "./updates.db"), "Path to SQLite history database")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of attempts to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	hist, err := history.New(historyDBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer hist.Close()

	records, err := hist.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No update attempts recorded.")
		return nil
	}

	fmt.Printf("%-20s %-10s %-12s %-24s %s\n", "STARTED", "OPERATION", "STATUS", "VERSIONS", "ERROR")
	for _, r := range records {
		versions := r.FromVersion
		if r.ToVersion != "" {
			versions = fmt.Sprintf("%s -> %s", r.FromVersion, r.ToVersion)
		}
		fmt.Printf("%-20s %-10s %-12s %-24s %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Operation, r.Status, versions, r.ErrorMessage)
	}
	return nil
}
