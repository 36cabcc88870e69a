package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	completeStatus    string
	completeError     string
	completeNextAgent string
	completeSummary   string
	completeOutputs   []string
	completeEventID   string
)

var completeCmd = &cobra.Command{
	Use:   "complete <issue> <agent-type>",
	Short: "Record a structured agent completion",
	Long: `Records a structured completion for the currently running step and
advances the workflow. This is the manual equivalent of an external poller applying a structured
completion comment: it validates the completing agent against the
running step, evaluates the router for the next step, enters
APPROVAL_WAIT if gated, or marks the workflow terminal.

--event-id makes the call idempotent: calling this twice with the
same event id and current step is a no-op on the second call.`,
	Args: cobra.ExactArgs(2),
	RunE: runComplete,
}

func init() {
	completeCmd.Flags().StringVar(&completeStatus, "status", "success", "completion status: success or failed")
	completeCmd.Flags().StringVar(&completeError, "error", "", "error message (status=failed only)")
	completeCmd.Flags().StringVar(&completeNextAgent, "next-agent", "", "next agent name, recorded in the completion audit trail")
	completeCmd.Flags().StringVar(&completeSummary, "summary", "", "human-readable summary, recorded in the completion audit trail")
	completeCmd.Flags().StringArrayVar(&completeOutputs, "output", nil, "additional output key=value pair (repeatable)")
	completeCmd.Flags().StringVar(&completeEventID, "event-id", "", "dedup token (e.g. the source comment id)")
	rootCmd.AddCommand(completeCmd)
}

func runComplete(cmd *cobra.Command, args []string) error {
	issueNumber, agentType := args[0], args[1]

	outputs := map[string]any{"status": completeStatus}
	if completeStatus == "failed" && completeError != "" {
		outputs["error"] = completeError
	}
	if completeNextAgent != "" {
		outputs["next_agent"] = completeNextAgent
	}
	if completeSummary != "" {
		outputs["summary"] = completeSummary
	}
	for _, kv := range completeOutputs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --output %q: expected key=value", kv)
		}
		outputs[k] = v
	}

	return withApp(func(a *app) error {
		wf, err := a.engine.CompleteStepForIssue(context.Background(), issueNumber, agentType, outputs, completeEventID)
		if err != nil {
			return err
		}
		if wf == nil {
			return fmt.Errorf("no workflow mapped to issue %s", issueNumber)
		}
		fmt.Printf("workflow %s: state=%s current_step=%v\n", wf.WorkflowID, wf.State, wf.CurrentStep)
		return nil
	})
}
