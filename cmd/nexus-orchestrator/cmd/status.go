package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <issue>",
	Short: "Show the active workflow's status for an issue",
	Long: `Read-only projection of the active workflow mapped to an issue
(GetWorkflowStatus): state, current step, total steps,
and the currently active agent.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	issueNumber := args[0]

	return withApp(func(a *app) error {
		status, err := a.engine.GetWorkflowStatus(context.Background(), issueNumber)
		if err != nil {
			return err
		}
		if status == nil {
			return fmt.Errorf("no workflow mapped to issue %s", issueNumber)
		}

		if jsonOutput {
			data, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("workflow:     %s\n", status.WorkflowID)
		fmt.Printf("issue:        %s\n", status.IssueNumber)
		fmt.Printf("state:        %s\n", status.State)
		fmt.Printf("step:         %d / %d\n", status.CurrentStep, status.TotalSteps)
		fmt.Printf("agent:        %s\n", status.CurrentAgent)
		fmt.Printf("updated_at:   %s\n", status.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		return nil
	})
}
