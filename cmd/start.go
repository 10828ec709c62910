package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/strix/internal/daemon"
)

var (
	configPath string
	pidFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the switch fabric in the foreground",
	Long: `Start the strix forwarding daemon.

The daemon will:
  1. Load configuration from the config file
  2. Initialize logging and the metrics endpoint
  3. Assemble ports, plugin chains and the router from config
  4. Forward until SIGTERM/SIGINT; SIGHUP reloads the routes file

Examples:
  strix start -c /etc/strix/config.yml
  strix start -c config.yml -p /var/run/strix.pid`,
	Run: func(cmd *cobra.Command, args []string) {
		d, err := daemon.New(configPath, pidFile)
		if err != nil {
			exitWithError("failed to create daemon", err)
		}
		if err := d.Start(); err != nil {
			exitWithError("failed to start daemon", err)
		}
		if err := d.Run(); err != nil {
			slog.Error("daemon exited", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	startCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/strix/config.yml",
		"config file path")
	startCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (empty disables)")
	rootCmd.AddCommand(startCmd)
}
