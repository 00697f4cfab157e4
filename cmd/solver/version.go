package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set through ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Printf("seda-solver %s (commit %s, %s)\n", version, commit, runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
