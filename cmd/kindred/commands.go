package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the conversation server.
// This is the primary command for running Kindred in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Kindred conversation server",
		Long: `Start the Kindred conversation server.

The server will:
1. Load configuration from the specified file (or kindred.yaml)
2. Connect to Postgres and apply pending migrations, or fall back to in-memory storage
3. Register configured LLM providers (Anthropic, OpenAI)
4. Start the retention sweeper when enabled
5. Serve the HTTP API with SSE and WebSocket chat endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  kindred serve

  # Start with custom config
  kindred serve --config /etc/kindred/production.yaml

  # Start with debug logging
  kindred serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// buildMigrateCmd creates the "migrate" command that applies pending
// database migrations and exits.
func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Example: `  # Apply migrations using DATABASE_URL or the configured database
  kindred migrate --config kindred.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")

	return cmd
}
