package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mioxoim/whisper-appliance-sub001/internal/history"
)

var rollbackDBPath string

var rollbackCmd = &cobra.Command{
	Use:   "rollback [SLOT]",
	Short: "Restore the appliance from a backup slot",
	Long: `Restore the target files from a backup slot.

Without an argument the newest slot is used. Slot names are listed by the
'backups' command.

Example:
  applianceupdate rollback backup_20260314_033015`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackDBPath, "db", getEnvOrDefault("APPLIANCE_DB_PATH", "./updates.db"), "Path to SQLite history database")
}

func runRollback(cmd *cobra.Command, args []string) error {
	hist, err := history.New(rollbackDBPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer hist.Close()

	a, err := newApp(hist, cliLogger())
	if err != nil {
		return err
	}

	var slotName string
	if len(args) == 1 {
		slotName = args[0]
	} else {
		slots := a.backups.List()
		if len(slots) == 0 {
			return fmt.Errorf("no backup slots available")
		}
		slotName = slots[0].Name
	}

	fmt.Printf("Restoring from %s...\n", slotName)
	result := a.updater.Rollback(cmd.Context(), slotName)
	if !result.Success {
		return fmt.Errorf("rollback failed: %s", result.Message)
	}

	fmt.Printf("Rollback successful: %s\n", result.Message)
	return nil
}
