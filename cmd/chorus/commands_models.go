package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Models Commands
// =============================================================================

// buildModelsCmd creates the "models" command group for the discovery
// cache.
func buildModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and refresh the model discovery cache",
		Long: `Work with the model discovery cache at <home>/available_models.json.

The runtime refreshes the cache in the background on startup; refresh
here validates the configured API keys and queries each provider's
model list immediately.`,
	}
	cmd.AddCommand(
		buildModelsListCmd(),
		buildModelsRefreshCmd(),
	)
	return cmd
}

func buildModelsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached models per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildModelsRefreshCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Validate API keys and rebuild the model cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsRefresh(cmd.Context(), cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
