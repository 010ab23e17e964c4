package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolflow/internal/config"
)

// runSweep handles the sweep command.
func runSweep(cmd *cobra.Command, configPath string) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		sweeper, err := a.newSweeper()
		if err != nil {
			return err
		}
		result := sweeper.RunOnce(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d calls and %d pipelines last updated before %s\n",
			len(result.Calls), len(result.Pipelines), result.Cutoff.Format("2006-01-02 15:04:05"))
		return result.Err
	})
}

// runCatalog handles the catalog command.
func runCatalog(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cat, err := buildCatalog(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	names := cat.Names()
	if len(names) == 0 {
		fmt.Fprintln(out, "No tools configured.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTIMEOUT\tAPPROVAL\tSCHEMA\tDESCRIPTION")
		for _, name := range names {
			t, _ := cat.Lookup(name)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.Name, t.Timeout, yesNo(t.RequiresApproval), yesNo(t.HasSchema), dash(t.Description))
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if list := cat.ApprovalList(); len(list) > 0 {
		fmt.Fprintf(out, "\nApproval required for: %v\n", list)
	}
	return nil
}

// runConfigSchema handles the config schema command.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// runConfigValidate handles the config validate command.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := config.ResolvePath(configPath)
	if path == "" {
		return fmt.Errorf("no config file given; use --config or $%s", config.EnvConfigPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (environment: %s, tools: %d)\n",
		path, cfg.Environment, len(cfg.Catalog))
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
