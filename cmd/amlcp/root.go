package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "amlcp",
	Short: "amlcp — control plane for autonomous agent resources",
	Long: "Control plane governing autonomous agent groups: treasury budgets,\n" +
		"policy decisions, autonomy tiers and a human-in-the-loop approval queue.",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute запускает корневую команду CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
