package main

import (
	"github.com/spf13/cobra"
)

var cfgPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "jobsman",
	Short: "jobsman - persistent cron-style job scheduler",
	Long: `jobsman runs shell commands on recurring six-field cron schedules.
Job definitions live in a SQLite store and can be edited while the service
runs; the scheduler picks up changes through update markers and hot-swaps
its schedule without downtime.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jobsman.yaml", "path to config file (json or yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(versionCmd)
}
