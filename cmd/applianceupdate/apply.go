package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mioxoim/whisper-appliance-sub001/internal/history"
)

var applyDBPath string

var applyCmd = &cobra.Command{
	Use:   "apply-update",
	Short: "Apply a pending update",
	Long: `Check for a pending update and apply it.

The target files are backed up first; on any failure the backup is restored
and the appliance is left as it was. Maintenance mode is enabled for the
duration of the apply.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVar(&applyDBPath, "db", getEnvOrDefault("APPLIANCE_DB_PATH", "./updates.db"), "Path to SQLite history database")
}

func runApply(cmd *cobra.Command, args []string) error {
	hist, err := history.New(applyDBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer hist.Close()

	a, err := newApp(hist, cliLogger())
	if err != nil {
		return err
	}

	result := a.updater.PerformUpdate(cmd.Context())
	if err := printJSON(os.Stdout, result); err != nil {
		return err
	}

	if result.Busy {
		return fmt.Errorf("another update is already in progress")
	}
	if !result.Success {
		return fmt.Errorf("update failed: %s", result.Message)
	}
	return nil
}
