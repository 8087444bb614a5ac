package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Заполняются линкером: -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("amlcp %s (commit: %s)\n", version, commit)
	},
}
