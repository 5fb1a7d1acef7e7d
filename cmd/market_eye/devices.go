package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/market_eye/pkg/capture"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Показать доступные камеры",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	devices := capture.MediaDevicesCamera{}.Devices()
	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "Камеры не найдены")
		return nil
	}

	env, _ := capture.FindEnvironmentCamera(devices, capture.DefaultCameraHints)
	for _, d := range devices {
		marker := " "
		if d.ID == env.ID {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\t%s\n", marker, d.ID, d.Label)
	}
	return nil
}
