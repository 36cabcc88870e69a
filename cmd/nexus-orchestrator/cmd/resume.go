package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <issue>",
	Short: "Resume a paused workflow",
	Long:  `Toggles a paused workflow back to running.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	issueNumber := args[0]
	return withApp(func(a *app) error {
		if err := a.engine.ResumeWorkflow(context.Background(), issueNumber); err != nil {
			return err
		}
		fmt.Printf("resumed issue %s\n", issueNumber)
		return nil
	})
}
