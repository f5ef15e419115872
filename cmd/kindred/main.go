// Package main provides the CLI entry point for the Kindred conversation server.
//
// Kindred streams coaching conversations between clients and LLM providers
// (Anthropic, OpenAI) with inline artifact generation, long-term memory
// extraction, and multi-tenant persistence.
//
// # Basic Usage
//
// Start the server:
//
//	kindred serve --config kindred.yaml
//
// Apply database migrations:
//
//	kindred migrate
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - KINDRED_CONFIG: Path to configuration file (default: kindred.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - DATABASE_URL: Postgres connection string
//   - KINDRED_JWT_SECRET: HMAC secret for session tokens
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kindred",
		Short: "Kindred - Streaming conversation server for coaching platforms",
		Long: `Kindred serves multi-tenant coaching conversations over SSE and WebSocket.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Storage backends: Postgres (production), in-memory (development)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the KINDRED_CONFIG override when no
// explicit --config flag was given.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("KINDRED_CONFIG"); env != "" {
		return env
	}
	return "kindred.yaml"
}
