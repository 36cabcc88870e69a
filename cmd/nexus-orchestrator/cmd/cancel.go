package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <issue>",
	Short: "Cancel a non-terminal workflow",
	Long: `Transitions the issue's workflow to cancelled, clears any pending
approval, and skips whatever step was running. Terminal workflows are
left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded on the workflow.cancelled event")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	issueNumber := args[0]
	return withApp(func(a *app) error {
		cancelled, err := a.engine.CancelWorkflow(context.Background(), issueNumber, cancelReason)
		if err != nil {
			return err
		}
		if !cancelled {
			return fmt.Errorf("workflow for issue %s is already terminal", issueNumber)
		}
		fmt.Printf("cancelled issue %s\n", issueNumber)
		return nil
	})
}
