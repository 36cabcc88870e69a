package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var createReplace bool

var createCmd = &cobra.Command{
	Use:   "create <issue> <title> <project-key> <workflow-type> <task-type> [description]",
	Short: "Create a workflow instance for an issue",
	Long: `Loads the WorkflowDefinition for workflow-type, instantiates a Workflow
with deep-copied steps, maps the issue, persists it, and emits
workflow.started — but does not start execution.

Fails with an active-mapping error if the issue already has a
non-terminal workflow; pass --replace to recreate one once the prior
workflow has reached a terminal state.`,
	Args: cobra.RangeArgs(5, 6),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().BoolVar(&createReplace, "replace", false, "recreate the workflow if the issue's prior mapping is terminal")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	issueNumber, title, projectKey, workflowType, taskType := args[0], args[1], args[2], args[3], args[4]
	description := ""
	if len(args) == 6 {
		description = args[5]
	}

	return withApp(func(a *app) error {
		workflowID, err := a.engine.CreateWorkflowForIssue(context.Background(), issueNumber, title, projectKey, workflowType, taskType, description, createReplace)
		if err != nil {
			return err
		}
		fmt.Println(workflowID)
		return nil
	})
}
