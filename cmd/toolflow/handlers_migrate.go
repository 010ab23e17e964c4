package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/spf13/cobra"
)

func migratorFor(a *app) (*storage.Migrator, error) {
	m, err := a.sqlStore.Migrator()
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

// printMigrationIDs writes one line per id, or empty when there are none.
func printMigrationIDs(out io.Writer, verb, empty string, ids []string) {
	if len(ids) == 0 {
		fmt.Fprintln(out, empty)
		return
	}
	for _, id := range ids {
		fmt.Fprintf(out, "%s %s\n", verb, id)
	}
}

func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		m, err := migratorFor(a)
		if err != nil {
			return err
		}
		ids, err := m.Up(cmd.Context(), steps)
		printMigrationIDs(cmd.OutOrStdout(), "Applied", "No pending migrations.", ids)
		return err
	})
}

func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		m, err := migratorFor(a)
		if err != nil {
			return err
		}
		a.logger.Warn("rolling back migrations", "steps", steps)
		ids, err := m.Down(cmd.Context(), steps)
		printMigrationIDs(cmd.OutOrStdout(), "Rolled back", "No migrations to roll back.", ids)
		return err
	})
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		m, err := migratorFor(a)
		if err != nil {
			return err
		}
		applied, pending, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "MIGRATION\tSTATE\tAPPLIED")
		for _, row := range applied {
			fmt.Fprintf(tw, "%s\tapplied\t%s\n", row.ID, row.AppliedAt.UTC().Format(time.RFC3339))
		}
		for _, row := range pending {
			fmt.Fprintf(tw, "%s\tpending\t-\n", row.ID)
		}
		return tw.Flush()
	})
}

// applyMigrations brings the schema up to date before serving.
func applyMigrations(ctx context.Context, a *app) error {
	m, err := migratorFor(a)
	if err != nil {
		return err
	}
	ids, err := m.Up(ctx, 0)
	for _, id := range ids {
		a.logger.Info("applied migration", "id", id)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
