package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List loaded workflow definitions",
	Long:  `Lists every WorkflowDefinition loaded from the project's workflow_definition_dir, keyed by each definition's workflow_type.`,
	RunE:  runWorkflows,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}

func runWorkflows(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		types := make([]string, 0, len(a.defs))
		for t := range a.defs {
			types = append(types, t)
		}
		sort.Strings(types)

		if len(types) == 0 {
			fmt.Println("No workflow definitions found.")
			fmt.Printf("Add one under %s.\n", a.cfg.WorkflowDefinitionDir("."))
			return nil
		}

		for _, t := range types {
			def := a.defs[t]
			fmt.Printf("%-16s %-24s %d step(s)\n", t, def.Name, len(def.Steps))
		}
		return nil
	})
}
