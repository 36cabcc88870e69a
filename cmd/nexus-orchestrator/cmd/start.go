package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <workflow-id>",
	Short: "Start a created workflow",
	Long: `Transitions a workflow from created to running, resolves the first
runnable (non-router) step — walking any router chain synchronously
— and marks it RUNNING. No-op if the workflow is not in the created
state.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	workflowID := args[0]

	return withApp(func(a *app) error {
		started, err := a.engine.StartWorkflow(context.Background(), workflowID)
		if err != nil {
			return err
		}
		if !started {
			return fmt.Errorf("workflow %s was not in the created state", workflowID)
		}
		fmt.Printf("started %s\n", workflowID)
		return nil
	})
}
