// Command flowctl drives a flowrun server from the terminal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/flowrun/internal/domain"
)

var (
	serverAddr    string
	workflowFile  string
	autonomyLevel string
	watchRun      bool
)

var rootCmd = &cobra.Command{
	Use:          "flowctl",
	Short:        "Terminal client for the flowrun workflow orchestrator",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a workflow from a YAML file and start it",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := LoadWorkflowFile(workflowFile)
		if err != nil {
			return err
		}
		if autonomyLevel != "" {
			req.AutonomyLevel = domain.AutonomyLevel(autonomyLevel)
		}

		ctx := cmd.Context()
		c := NewClient(serverAddr)
		created, err := c.CreateWorkflow(ctx, req)
		if err != nil {
			return err
		}
		id := created.Workflow.ID
		if created.Duplicate {
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s already exists (%s)\n", id, created.Workflow.Status)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created workflow %s\n", id)

		run, err := c.Control(ctx, id, "start")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s\n", id, run.Status)
		if run.Status == domain.RunStatusReady {
			fmt.Fprintf(cmd.OutOrStdout(), "Approve with: flowctl approve %s && flowctl execute %s\n", id, id)
			return nil
		}
		if !watchRun {
			return nil
		}
		return watch(ctx, cmd, c, id)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <workflow-id>",
	Short: "Stream a workflow's events until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd.Context(), cmd, NewClient(serverAddr), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := NewClient(serverAddr).GetWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, run)
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <workflow-id>",
	Short: "Show the aggregated result of a finished workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := NewClient(serverAddr).GetResult(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var skipCmd = &cobra.Command{
	Use:   "skip <workflow-id> <step-id>",
	Short: "Skip a pending step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := NewClient(serverAddr).SkipStep(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Step %s skipped, workflow %s is %s\n", args[1], run.ID, run.Status)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <tool>",
	Short: "Show how a tool would be served",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := NewClient(serverAddr).ResolveTool(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var trustCmd = &cobra.Command{
	Use:   "trust <tool>",
	Short: "Show the trust score of a catalog tool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := NewClient(serverAddr).ToolTrust(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

// controlCommand builds a subcommand for a lifecycle operation.
func controlCommand(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <workflow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := NewClient(serverAddr).Control(cmd.Context(), args[0], op)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s\n", run.ID, run.Status)
			return nil
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", envOr("FLOWRUN_SERVER", "http://localhost:8080"), "Address of the flowrun server")

	runCmd.Flags().StringVarP(&workflowFile, "file", "f", "", "Workflow definition file (YAML)")
	runCmd.Flags().StringVarP(&autonomyLevel, "level", "l", "", "Autonomy level override")
	runCmd.Flags().BoolVarP(&watchRun, "watch", "w", true, "Stream events until the workflow finishes")
	runCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(runCmd, watchCmd, statusCmd, resultCmd, skipCmd, resolveCmd, trustCmd)
	rootCmd.AddCommand(
		controlCommand("start", "Plan a workflow and start it when the autonomy level allows"),
		controlCommand("approve", "Approve a supervised workflow"),
		controlCommand("execute", "Execute a ready workflow"),
		controlCommand("pause", "Pause a running workflow"),
		controlCommand("resume", "Resume a paused workflow"),
		controlCommand("cancel", "Cancel a workflow"),
		controlCommand("reset", "Reset a workflow to its created state"),
		controlCommand("recover", "Recover a workflow from its latest checkpoint"),
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watch(ctx context.Context, cmd *cobra.Command, c *Client, id string) error {
	out := cmd.OutOrStdout()
	return c.Watch(ctx, id, func(e domain.Event) {
		fmt.Fprintln(out, formatEvent(e))
	})
}

// formatEvent renders one stream event as a single line.
func formatEvent(e domain.Event) string {
	switch e.Type {
	case domain.EventTypeConnected:
		return fmt.Sprintf("[%d] connected to %s", e.Seq, e.WorkflowID)
	case domain.EventTypeNodeUpdate:
		if e.Node == nil {
			return fmt.Sprintf("[%d] node_update", e.Seq)
		}
		line := fmt.Sprintf("[%d] step %s %s", e.Seq, e.Node.StepID, e.Node.Status)
		switch {
		case e.Node.Error != "":
			line += ": " + e.Node.Error
		case e.Node.SkipReason != "":
			line += " (" + string(e.Node.SkipReason) + ")"
		}
		if len(e.Node.Warnings) > 0 {
			line += " warnings: " + strings.Join(e.Node.Warnings, "; ")
		}
		return line
	case domain.EventTypeWorkflowStatus:
		line := fmt.Sprintf("[%d] workflow %s", e.Seq, e.Status)
		if e.TokensUsed != nil && e.CostUSD != nil {
			line += fmt.Sprintf(" (tokens=%d cost=$%.4f)", *e.TokensUsed, *e.CostUSD)
		}
		if e.Reason != "" {
			line += ": " + e.Reason
		}
		return line
	case domain.EventTypeCheckpoint:
		if e.Checkpoint == nil {
			return fmt.Sprintf("[%d] checkpoint", e.Seq)
		}
		return fmt.Sprintf("[%d] checkpoint %s (%d steps done)", e.Seq, e.Checkpoint.ID, len(e.Checkpoint.CompletedSteps))
	default:
		return fmt.Sprintf("[%d] %s", e.Seq, e.Type)
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
