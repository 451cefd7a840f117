package cli

import (
	"github.com/spf13/cobra"

	"crash-sentry/internal/app"
)

var (
	replaySpeed   float64
	replayPersist bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file.csv>",
	Short: "Replay a recorded session through the detector and oracle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			Path:    args[0],
			Speed:   replaySpeed,
			Persist: replayPersist,
		})
	},
}

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback speed multiplier; 0 uses config (as fast as possible by default)")
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Write readings and crash events to the database")
}
