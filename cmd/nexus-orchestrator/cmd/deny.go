package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var denyApprover string

var denyCmd = &cobra.Command{
	Use:   "deny <issue>",
	Short: "Deny a pending workflow approval gate",
	Long: `Valid only while the workflow is in approval_wait: transitions the
workflow to failed and records who denied it.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeny,
}

func init() {
	denyCmd.Flags().StringVar(&denyApprover, "approver", "", "approver name, recorded in the failure reason")
	rootCmd.AddCommand(denyCmd)
}

func runDeny(cmd *cobra.Command, args []string) error {
	issueNumber := args[0]
	return withApp(func(a *app) error {
		wf, err := a.engine.DenyStep(context.Background(), issueNumber, denyApprover)
		if err != nil {
			return err
		}
		fmt.Printf("workflow %s: state=%s\n", wf.WorkflowID, wf.State)
		return nil
	})
}
