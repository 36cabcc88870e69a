package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var approveApprover string

var approveCmd = &cobra.Command{
	Use:   "approve <issue>",
	Short: "Approve a pending workflow approval gate",
	Long: `Valid only while the workflow is in approval_wait: transitions the
workflow to running and launches the gated step.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().StringVar(&approveApprover, "approver", "", "approver name, checked against the step's approvers list")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	issueNumber := args[0]
	return withApp(func(a *app) error {
		wf, err := a.engine.ApproveStep(context.Background(), issueNumber, approveApprover)
		if err != nil {
			return err
		}
		fmt.Printf("workflow %s: state=%s\n", wf.WorkflowID, wf.State)
		return nil
	})
}
