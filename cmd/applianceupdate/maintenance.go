package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mioxoim/whisper-appliance-sub001/internal/maintenance"
)

var (
	maintMessage   string
	maintTitle     string
	maintDuration  time.Duration
	maintWhitelist []string
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Control maintenance mode",
	Long: `Control maintenance mode for the appliance.

While maintenance mode is active the daemon answers non-whitelisted clients
with 503. Loopback clients are always allowed through.`,
}

var maintenanceOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Enable maintenance mode",
	RunE:  runMaintenanceOn,
}

var maintenanceOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Disable maintenance mode",
	RunE:  runMaintenanceOff,
}

var maintenanceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show maintenance mode status",
	RunE:  runMaintenanceStatus,
}

func init() {
	maintenanceOnCmd.Flags().StringVarP(&maintMessage, "message", "m", "", "Message shown to blocked clients")
	maintenanceOnCmd.Flags().StringVar(&maintTitle, "title", "", "Title shown to blocked clients")
	maintenanceOnCmd.Flags().DurationVar(&maintDuration, "duration", 0, "Estimated window length (for the status display only)")
	maintenanceOnCmd.Flags().StringSliceVar(&maintWhitelist, "allow", nil, "IP addresses allowed through the gate")

	maintenanceCmd.AddCommand(maintenanceOnCmd)
	maintenanceCmd.AddCommand(maintenanceOffCmd)
	maintenanceCmd.AddCommand(maintenanceStatusCmd)
}

func runMaintenanceOn(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, cliLogger())
	if err != nil {
		return err
	}

	if err := a.maintenance.Enable(maintenance.EnableOptions{
		Message:     maintMessage,
		Title:       maintTitle,
		Duration:    maintDuration,
		IPWhitelist: maintWhitelist,
	}); err != nil {
		return fmt.Errorf("failed to enable maintenance mode: %w", err)
	}

	fmt.Println("Maintenance mode enabled.")
	return nil
}

func runMaintenanceOff(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, cliLogger())
	if err != nil {
		return err
	}

	if err := a.maintenance.Disable(); err != nil {
		return fmt.Errorf("failed to disable maintenance mode: %w", err)
	}

	fmt.Println("Maintenance mode disabled.")
	return nil
}

func runMaintenanceStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(nil, cliLogger())
	if err != nil {
		return err
	}

	status := map[string]interface{}{
		"active": a.maintenance.IsActive(),
		"state":  a.maintenance.Status(),
	}
	if marker, ok := a.maintenance.ReadMarker(); ok {
		status["marker"] = marker
	}
	return printJSON(os.Stdout, status)
}
