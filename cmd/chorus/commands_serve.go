package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the agent runtime.
// This is the primary command for running Chorus in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath    string
		debug         bool
		hostExecution bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Chorus agent runtime",
		Long: `Start the Chorus agent runtime connected to Discord.

The runtime will:
1. Load configuration from the specified file (or environment)
2. Open the store (sqlite under the home directory, or Postgres)
3. Recover tracked processes from the previous run
4. Connect to Discord and reconcile agent channels
5. Serve Prometheus metrics when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with config discovery (CHORUS_CONFIG, then <home>/chorus.yaml)
  chorus serve

  # Start with an explicit config
  chorus serve --config /etc/chorus/production.yaml

  # Start with debug logging
  chorus serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, hostExecution)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&hostExecution, "host-execution", false,
		"Pass the full host environment to spawned processes")

	return cmd
}
