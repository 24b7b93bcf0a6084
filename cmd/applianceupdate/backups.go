package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mioxoim/whisper-appliance-sub001/internal/backup"
)

var backupsPrune bool

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List backup slots",
	Long:  `List backup slots, newest first. With --prune, old slots beyond the retention count are removed.`,
	RunE:  runBackups,
}

func init() {
	backupsCmd.Flags().BoolVar(&backupsPrune, "prune", false, "Remove slots beyond the retention count")
}

func runBackups(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, cliLogger())
	if err != nil {
		return err
	}

	if backupsPrune {
		a.backups.CleanupOld(backup.DefaultKeepCount)
	}

	slots := a.backups.List()
	if len(slots) == 0 {
		fmt.Println("No backup slots.")
		return nil
	}

	fmt.Printf("%-28s %-20s %10s\n", "SLOT", "CREATED", "SIZE")
	for _, slot := range slots {
		fmt.Printf("%-28s %-20s %10s\n",
			slot.Name,
			slot.CreatedAt.Format("2006-01-02 15:04:05"),
			humanSize(slot.SizeBytes))
	}
	return nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
