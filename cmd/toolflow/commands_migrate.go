package main

import "github.com/spf13/cobra"

// buildMigrateCmd groups the schema migration subcommands.
func buildMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the tool call schema",
		Long: `Apply or roll back the embedded schema for tool_calls and tool_pipelines.

The configured database driver picks the script set (sqlite or postgres).
"serve" applies pending migrations on startup unless --skip-migrate is set.`,
	}
	cmd.AddCommand(
		buildMigrateUpCmd(configPath),
		buildMigrateDownCmd(configPath),
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrateStatus(cmd, *configPath)
			},
		},
	)
	return cmd
}

func buildMigrateUpCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		Example: `  toolflow migrate up
  toolflow migrate up --steps 1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrateUp(cmd, *configPath, steps)
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Migrations to apply; 0 applies all")
	return cmd
}

func buildMigrateDownCmd(configPath *string) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		Long: `Roll back the most recent migrations, newest first.

Rolling back 001_tool_calls drops every tracked call.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrateDown(cmd, *configPath, steps)
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Migrations to roll back")
	return cmd
}
