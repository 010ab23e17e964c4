package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/pkg/models"
)

// runCallsList handles the calls list command.
func runCallsList(cmd *cobra.Command, configPath string, opts callListOptions) error {
	filter := storage.CallFilter{
		ChatID:     opts.chatID,
		PipelineID: opts.pipelineID,
		Limit:      opts.limit,
	}
	for _, s := range opts.statuses {
		status := models.CallStatus(strings.ToUpper(strings.TrimSpace(s)))
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	return withApp(cmd.Context(), configPath, func(a *app) error {
		calls, err := a.manager.ListCalls(cmd.Context(), filter)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if opts.asJSON {
			return writeIndented(out, calls)
		}
		if len(calls) == 0 {
			fmt.Fprintln(out, "No tool calls found.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTOOL\tSTATUS\tCHAT\tPIPELINE\tSTEP\tRETRIES\tUPDATED")
		for _, c := range calls {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				c.ID, c.ToolName, c.Status, c.ChatID, dash(c.PipelineID), stepLabel(c.StepNumber),
				c.RetryCount, c.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

// runCallsShow handles the calls show command.
func runCallsShow(cmd *cobra.Command, configPath, callID string) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		call, err := a.manager.Call(cmd.Context(), callID)
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), call)
	})
}

// runPipelinesList handles the pipelines list command.
func runPipelinesList(cmd *cobra.Command, configPath, chatID string, asJSON bool) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		pipelines, err := a.manager.ListPipelines(cmd.Context(), storage.PipelineFilter{ChatID: chatID})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return writeIndented(out, pipelines)
		}
		if len(pipelines) == 0 {
			fmt.Fprintln(out, "No pipelines found.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCHAT\tPROGRESS\tUPDATED")
		for _, p := range pipelines {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				p.ID, dash(p.Name), p.Status, p.ChatID, p.CurrentStep, p.TotalSteps,
				p.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

// runPipelinesShow handles the pipelines show command.
func runPipelinesShow(cmd *cobra.Command, configPath, pipelineID string) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		pipeline, err := a.manager.Pipeline(cmd.Context(), pipelineID)
		if err != nil {
			return err
		}
		calls, err := a.manager.CallsByPipeline(cmd.Context(), pipelineID)
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), map[string]any{
			"pipeline": pipeline,
			"calls":    calls,
		})
	})
}

// runDecision handles the approve and reject commands.
func runDecision(cmd *cobra.Command, configPath, callID string, approve bool) error {
	return withApp(cmd.Context(), configPath, func(a *app) error {
		var (
			call *models.ToolCall
			err  error
		)
		if approve {
			call, err = a.gate.Approve(cmd.Context(), callID)
		} else {
			call, err = a.gate.Reject(cmd.Context(), callID)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) is now %s\n", call.ID, call.ToolName, call.Status)
		return nil
	})
}

func writeIndented(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stepLabel(step int) string {
	if step == 0 {
		return "-"
	}
	return fmt.Sprint(step)
}
