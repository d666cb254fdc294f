package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Agent Commands
// =============================================================================

// buildAgentsCmd creates the "agents" command group for managing agents.
func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agents",
		Long: `Create, inspect, and configure Chorus agents.

Each agent owns a directory under the Chorus home (identity file,
workspace, docs, process logs) and a store row for channel routing.
Agents created here get their Discord channel when the runtime next
connects.`,
	}

	cmd.AddCommand(
		buildAgentsListCmd(),
		buildAgentsCreateCmd(),
		buildAgentsDestroyCmd(),
		buildAgentsConfigureCmd(),
	)

	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var (
		configPath string
		guildID    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Long:  "Display every agent registered in the store, optionally filtered by guild.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(cmd.Context(), cmd.OutOrStdout(), configPath, guildID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&guildID, "guild", "", "Only show agents in this guild")
	return cmd
}

func buildAgentsCreateCmd() *cobra.Command {
	var (
		configPath  string
		name        string
		description string
		model       string
		permissions string
		webSearch   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new agent",
		Long: `Create a new agent: scaffold its directory, write the identity file,
and register it in the store. The Discord channel is provisioned when
the runtime next connects.`,
		Example: `  # Create an agent with the global default model
  chorus agents create --name coder

  # Create an agent with an explicit model and a wider permission preset
  chorus agents create --name reviewer --model claude-sonnet-4-5-20250929 --permissions guarded`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var web *bool
			if cmd.Flags().Changed("web-search") {
				web = &webSearch
			}
			return runAgentsCreate(cmd.Context(), cmd.OutOrStdout(), configPath, name, description, model, permissions, web)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Agent name (required)")
	cmd.Flags().StringVar(&description, "description", "", "What the agent is for; seeds the system prompt")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model identifier")
	cmd.Flags().StringVarP(&permissions, "permissions", "p", "", "Permission preset (open, standard, guarded, locked)")
	cmd.Flags().BoolVar(&webSearch, "web-search", false, "Enable the web search tool")
	cobra.CheckErr(cmd.MarkFlagRequired("name"))

	return cmd
}

func buildAgentsDestroyCmd() *cobra.Command {
	var (
		configPath string
		keepFiles  bool
	)

	cmd := &cobra.Command{
		Use:   "destroy [name]",
		Short: "Destroy an agent",
		Long:  "Remove an agent from the store and delete its directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsDestroy(cmd.Context(), cmd.OutOrStdout(), configPath, args[0], keepFiles)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "Move the agent directory to trash instead of deleting it")
	return cmd
}

func buildAgentsConfigureCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "configure [name] [key] [value]",
		Short: "Update one agent setting",
		Long:  "Set a configuration key on an agent. Allowed keys: model, permissions, system_prompt, web_search.",
		Example: `  # Switch an agent's model
  chorus agents configure coder model claude-sonnet-4-5-20250929

  # Turn on web search
  chorus agents configure coder web_search true`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsConfigure(cmd.Context(), cmd.OutOrStdout(), configPath, args[0], args[1], args[2])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
