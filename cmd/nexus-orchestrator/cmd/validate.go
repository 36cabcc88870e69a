package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ghabs95/nexus-core/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <definition-file>",
	Short: "Validate a workflow definition file",
	Long: `Parses and validates a declarative workflow definition without
creating or starting a workflow instance: every agent name is
non-empty, every router branch targets an existing step_num,
every router has a default branch, and at least one non-router step
exists.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	def, err := workflow.Load(path)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Printf("OK: %s (workflow_type=%s)\n", def.Name, def.WorkflowType)
	for _, s := range def.Steps {
		if s.IsRouter() {
			fmt.Printf("  step %d: %s (router, %d branches)\n", s.StepNum, s.Name, len(s.Router))
			continue
		}
		fmt.Printf("  step %d: %s (agent=%s)\n", s.StepNum, s.Name, s.Agent.Name)
	}
	return nil
}
