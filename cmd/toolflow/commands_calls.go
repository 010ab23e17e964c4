package main

import "github.com/spf13/cobra"

type callListOptions struct {
	chatID     string
	pipelineID string
	statuses   []string
	limit      int
	asJSON     bool
}

// buildCallsCmd creates the "calls" command group.
func buildCallsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect tool calls",
	}
	cmd.AddCommand(buildCallsListCmd(configPath), buildCallsShowCmd(configPath))
	return cmd
}

func buildCallsListCmd(configPath *string) *cobra.Command {
	var opts callListOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tool calls",
		Example: `  # Calls of one conversation
  toolflow calls list --chat chat-123

  # Calls waiting for a decision
  toolflow calls list --status AWAITING_APPROVAL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallsList(cmd, *configPath, opts)
		},
	}

	cmd.Flags().StringVar(&opts.chatID, "chat", "", "Filter by chat ID")
	cmd.Flags().StringVar(&opts.pipelineID, "pipeline", "", "Filter by pipeline ID")
	cmd.Flags().StringSliceVar(&opts.statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 50, "Maximum number of calls to show (0 = all)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Output as JSON")

	return cmd
}

func buildCallsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <tool-call-id>",
		Short: "Show one tool call as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCallsShow(cmd, *configPath, args[0])
		},
	}
}

// buildPipelinesCmd creates the "pipelines" command group.
func buildPipelinesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Inspect tool pipelines",
	}

	var (
		chatID string
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelinesList(cmd, *configPath, chatID, asJSON)
		},
	}
	list.Flags().StringVar(&chatID, "chat", "", "Filter by chat ID")
	list.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	show := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "Show a pipeline and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelinesShow(cmd, *configPath, args[0])
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// buildApproveCmd creates the "approve" command.
func buildApproveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <tool-call-id>",
		Short: "Approve a call awaiting approval",
		Long: `Approve a tool call parked in AWAITING_APPROVAL.

The call moves to PROCESSING. The process that owns the tool resumes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, *configPath, args[0], true)
		},
	}
}

// buildRejectCmd creates the "reject" command.
func buildRejectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reject <tool-call-id>",
		Short: "Reject a call awaiting approval",
		Long: `Reject a tool call parked in AWAITING_APPROVAL.

REJECTED is terminal and fails the owning pipeline.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecision(cmd, *configPath, args[0], false)
		},
	}
}
