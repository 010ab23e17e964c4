package main

import "github.com/spf13/cobra"

// buildSweepCmd creates the "sweep" command that runs one cleanup pass.
func buildSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete stale in-flight calls and pipelines once",
		Long: `Run one cleanup pass.

Calls and pipelines still PENDING or PROCESSING whose last update is older
than cleanup.stale_after are deleted. Finished records are never touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, *configPath)
		},
	}
}

// buildCatalogCmd creates the "catalog" command that lists configured tools.
func buildCatalogCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List configured tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(cmd, *configPath)
		},
	}
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON Schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd, *configPath)
			},
		},
	)
	return cmd
}
