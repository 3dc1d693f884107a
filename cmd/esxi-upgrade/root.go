package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// This variable is set during build time.
// It contains the version of the code.
var version string

var (
	configFile string

	// exitCode carries the run's terminal disposition out of cobra so main
	// can report it as the process exit status.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "esxi-upgrade",
	Short: "Unattended in-place upgrade of the local ESXi host",
	Long: `esxi-upgrade runs on the ESXi host itself and performs an unattended
in-place upgrade: it quiesces local VMs, enters maintenance mode, applies the
image profile from a local depot archive, and either reboots the host or
restores the prior running VMs.

Run it from the datastore directory holding the depot archive and redirect
stdout to a file on the datastore so the log survives the reboot. A prior
successful run leaves the depot in place; re-running against an already
upgraded host is not detected.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
}
