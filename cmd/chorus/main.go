// Package main provides the CLI entry point for the Chorus agent runtime.
//
// Chorus hosts long-running AI agents on Discord: each agent owns a text
// channel, runs conversations through an agentic tool loop (Anthropic or
// OpenAI models), and can spawn supervised subprocesses with natural-language
// callbacks attached to their output.
//
// # Basic Usage
//
// Start the runtime:
//
//	chorus serve --config chorus.yaml
//
// Manage agents offline:
//
//	chorus agents list
//	chorus agents create --name coder
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - CHORUS_CONFIG: Path to configuration file
//   - CHORUS_HOME: Agent home directory (default: ~/.chorus-agents)
//   - DISCORD_TOKEN: Discord bot token
//   - DEV_GUILD_ID: Guild for scoped slash-command registration
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - DATABASE_URL: Postgres URL; unset uses sqlite under CHORUS_HOME
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Structured logging with JSON output; serve reconfigures per config.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chorus",
		Short: "Chorus - Discord-native AI agent runtime",
		Long: `Chorus hosts long-running AI agents, each bound to a Discord channel.

Agents run conversations through an agentic tool loop, spawn supervised
subprocesses with output callbacks, and persist context across restarts.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAgentsCmd(),
		buildSessionsCmd(),
		buildModelsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// buildVersionCmd creates the "version" command. The same information
// backs the root --version flag.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chorus %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
