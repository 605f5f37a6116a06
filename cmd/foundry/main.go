package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry - build fleet control plane",
	Long: `Foundry coordinates a fleet of build drones: it hands out package
build work, watches drone health, heals unresponsive machines over SSH,
and publishes finished packages as binhost releases.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foundry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}
