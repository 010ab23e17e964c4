package main

import "github.com/spf13/cobra"

// buildServeCmd creates the "serve" command that runs the approval API,
// the metrics endpoint and the cleanup sweep.
func buildServeCmd(configPath *string) *cobra.Command {
	var (
		addr        string
		skipMigrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolflow server",
		Long: `Start the toolflow server.

The server will:
1. Load configuration from the specified file (or $TOOLFLOW_CONFIG)
2. Open the database and apply pending migrations
3. Connect the call cache (memory or Redis)
4. Serve the approval API, /healthz and /metrics over HTTP
5. Schedule the cleanup sweep when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  toolflow serve

  # Start with custom config and listen address
  toolflow serve --config /etc/toolflow/production.yaml --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, addr, skipMigrate)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default: observability.metrics_addr)")
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply pending migrations on startup")

	return cmd
}
