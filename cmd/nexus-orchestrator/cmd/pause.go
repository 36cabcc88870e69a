package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pauseReason string

var pauseCmd = &cobra.Command{
	Use:   "pause <issue>",
	Short: "Pause a running workflow",
	Long:  `Toggles a running workflow to paused; rejects CompleteStepForIssue while paused.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

func init() {
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "reason recorded on the workflow.paused event")
	rootCmd.AddCommand(pauseCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	issueNumber := args[0]
	return withApp(func(a *app) error {
		if err := a.engine.PauseWorkflow(context.Background(), issueNumber, pauseReason); err != nil {
			return err
		}
		fmt.Printf("paused issue %s\n", issueNumber)
		return nil
	})
}
