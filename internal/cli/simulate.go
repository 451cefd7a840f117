package cli

import (
	"github.com/spf13/cobra"

	"crash-sentry/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate-crash",
	Short: "模拟一次骑行撞击并走完检测与确认流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateCrash(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.DeviceID, "device", "simulated-helmet", "设备 ID")
	simulateCmd.Flags().Float64Var(&simulateOpts.PeakG, "peak", 15, "撞击峰值 (g)")
	simulateCmd.Flags().Float64Var(&simulateOpts.Latitude, "lat", 0, "撞击纬度")
	simulateCmd.Flags().Float64Var(&simulateOpts.Longitude, "lon", 0, "撞击经度")
	simulateCmd.Flags().Float64Var(&simulateOpts.SpeedKMH, "speed", 30, "撞击前车速 (km/h)")
	simulateCmd.Flags().StringVar(&simulateOpts.Verdict, "verdict", "", "跳过 oracle 直接给出结论: confirmed 或 rejected")
	simulateCmd.Flags().StringVar(&simulateOpts.Severity, "severity", "", "配合 --verdict 使用: low, medium 或 high")
}
