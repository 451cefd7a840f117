package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var feedbackComments string

var feedbackCmd = &cobra.Command{
	Use:   "feedback <event-id> <true_positive|false_positive>",
	Short: "Record a rider's assessment of a crash event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid event id %q", args[0])
		}
		return getApp().Feedback(cmd.Context(), id, args[1], feedbackComments)
	},
}

func init() {
	feedbackCmd.Flags().StringVar(&feedbackComments, "comments", "", "Free-form comments")
}
