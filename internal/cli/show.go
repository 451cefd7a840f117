package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crash-sentry/internal/app"
)

var showOpts app.ShowOptions

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent crash events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showOpts.Limit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showOpts.Offset < 0 {
			return fmt.Errorf("--offset cannot be negative")
		}
		return getApp().Show(cmd.Context(), showOpts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showOpts.Limit, "limit", 20, "Number of events to display")
	showCmd.Flags().IntVar(&showOpts.Offset, "offset", 0, "Number of events to skip")
	showCmd.Flags().StringVar(&showOpts.DeviceID, "device", "", "Only show events for this device")
	showCmd.Flags().Int64Var(&showOpts.ID, "id", 0, "Show one event in detail")
}
