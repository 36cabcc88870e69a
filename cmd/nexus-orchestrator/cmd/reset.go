package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset <issue> <agent-type>",
	Short: "Rewind a workflow to the first step bound to an agent",
	Long: `Manual /continue-style recovery: rewinds current_step to the first step whose agent matches
agent-type, resets that step to pending, and clears any step marked
RUNNING.`,
	Args: cobra.ExactArgs(2),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	issueNumber, agentType := args[0], args[1]
	return withApp(func(a *app) error {
		ok, err := a.engine.ResetToAgentForIssue(context.Background(), issueNumber, agentType)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no step bound to agent %q on issue %s's workflow", agentType, issueNumber)
		}
		fmt.Printf("reset issue %s to agent %s\n", issueNumber, agentType)
		return nil
	})
}
