// Package main provides the CLI entry point for toolflow, the tool call
// tracking service.
//
// # Basic Usage
//
// Start the server (approval API, metrics and the cleanup sweep):
//
//	toolflow serve --config toolflow.yaml
//
// Manage database migrations:
//
//	toolflow migrate up
//	toolflow migrate status
//
// Inspect and decide on tool calls:
//
//	toolflow calls list --chat chat-123
//	toolflow approve call-456
//
// # Environment Variables
//
//   - TOOLFLOW_CONFIG: Path to configuration file when --config is not set
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
	// Structured logging until the config's logging section takes over.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with every subcommand attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "toolflow",
		Short: "toolflow - tool call tracking and approval service",
		Long: `toolflow tracks tool calls and multi-step pipelines through their lifecycle.

It persists every call, deduplicates redelivered calls by id, parks calls that
need a human decision until they are approved or rejected, and sweeps records
that stopped making progress.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (default: $TOOLFLOW_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildMigrateCmd(&configPath),
		buildSweepCmd(&configPath),
		buildCallsCmd(&configPath),
		buildPipelinesCmd(&configPath),
		buildApproveCmd(&configPath),
		buildRejectCmd(&configPath),
		buildCatalogCmd(&configPath),
		buildConfigCmd(&configPath),
	)

	return rootCmd
}
