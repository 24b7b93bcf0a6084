package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mioxoim/whisper-appliance-sub001/internal/updater"
)

var checkCmd = &cobra.Command{
	Use:   "check-update",
	Short: "Check whether a newer version is available",
	Long: `Check the upstream repository for a newer version.

Prints the check result as JSON. The exit code is zero even when no update
is available; a non-zero exit means the check itself failed.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, cliLogger())
	if err != nil {
		return err
	}

	result := a.updater.CheckForUpdates(cmd.Context())
	if err := printJSON(os.Stdout, result); err != nil {
		return err
	}

	if result.Status != updater.CheckStatusSuccess {
		return fmt.Errorf("update check failed: %s", result.Message)
	}
	return nil
}
