package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Sessions Commands
// =============================================================================

// buildSessionsCmd creates the "sessions" command group for saved context
// snapshots.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect saved context sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsShowCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		agentName  string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd.Context(), cmd.OutOrStdout(), configPath, agentName, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "Agent whose sessions to list (required)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Max number of sessions to return")
	cobra.CheckErr(cmd.MarkFlagRequired("agent"))

	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var (
		configPath string
		messages   int
	)

	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show one saved session",
		Long:  "Display a session's metadata and the tail of its saved messages.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd.Context(), cmd.OutOrStdout(), configPath, args[0], messages)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().IntVar(&messages, "messages", 10, "Number of trailing messages to print (0 for none)")
	return cmd
}
