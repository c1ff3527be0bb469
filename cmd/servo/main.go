package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "servo [app_id]",
	Short:        "Optimization agent bridging a remote service and local drivers",
	Long:         "Servo polls the optimization service for commands, runs the matching driver, streams progress, and posts results. It runs until stopped or restarted by signal.",
	Args:         cobra.MaximumNArgs(1),
	RunE:         runServo,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
