// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "firestige.xyz/strix/plugins"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strix",
	Short: "Strix - software-defined Ethernet switch and IPv4 gateway",
	Long: `Strix is an embedded software-defined network fabric: a multi-port
Ethernet switch with per-port plugin pipelines, optional IPv4 gateway
forwarding with ARP resolution and deferred next-hop delivery.

Ports attach to real interfaces (AF_PACKET), UDP tunnels or in-memory
links. Packet paths are observable through pcap watch-points and
Prometheus metrics.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
