package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigTOML = `# nexus-orchestrator configuration
version = "1"

[paths]
workflow_definition_dir = ".nexus/workflows"
agent_capability_dir = ".nexus/agents"
state_dir = ".nexus/state"

[storage]
driver = "filesystem"

[logging]
level = "info"
format = "json"
file = ".nexus/state/nexus.log"

[engine]
default_workflow_type = "full"
default_backoff_strategy = "exponential"
default_backoff_base = "1s"
max_backoff = "60s"

[monitor]
poll_interval = "5s"
kill_grace_period = "5s"
kill_poll_interval = "250ms"
soft_fuse_window = "10m"
soft_fuse_threshold = 3
hard_fuse_window = "1h"
hard_fuse_threshold = 2
`

const sampleWorkflowYAML = `name: Full Review Workflow
workflow_type: full
steps:
  - step_num: 1
    name: Triage
    agent:
      name: triage
      display_name: Triage Agent
      default_timeout_seconds: 900
      default_max_retries: 1
  - step_num: 2
    name: Develop
    agent:
      name: developer
      display_name: Developer Agent
      default_timeout_seconds: 3600
      default_max_retries: 2
    backoff_strategy: exponential
    initial_delay_seconds: 1
  - step_num: 3
    name: Review
    agent:
      name: reviewer
      display_name: Reviewer Agent
      default_timeout_seconds: 1800
      default_max_retries: 1
`

const sampleAgentsYAML = `agents:
  - name: triage
    display_name: Triage Agent
    default_timeout_seconds: 900
    default_max_retries: 1
  - name: developer
    display_name: Developer Agent
    default_timeout_seconds: 3600
    default_max_retries: 2
  - name: reviewer
    display_name: Reviewer Agent
    default_timeout_seconds: 1800
    default_max_retries: 1
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a nexus-orchestrator project",
	Long: `Creates the .nexus project structure in the current (or --workdir)
directory: a config.toml with defaults, a workflows/ directory seeded
with one sample workflow definition, and a state/ directory for the
storage backend and launch registry.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := getWorkDir()
	if err != nil {
		return err
	}

	nexusDir := filepath.Join(dir, ".nexus")
	if _, err := os.Stat(nexusDir); err == nil {
		return fmt.Errorf("project already initialized (found %s)", nexusDir)
	}

	dirs := []string{
		filepath.Join(nexusDir, "workflows"),
		filepath.Join(nexusDir, "agents"),
		filepath.Join(nexusDir, "state"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	if err := os.WriteFile(filepath.Join(nexusDir, "config.toml"), []byte(defaultConfigTOML), 0644); err != nil {
		return fmt.Errorf("writing config.toml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(nexusDir, "workflows", "full.yaml"), []byte(sampleWorkflowYAML), 0644); err != nil {
		return fmt.Errorf("writing sample workflow: %w", err)
	}
	if err := os.WriteFile(filepath.Join(nexusDir, "agents", "agents.yaml"), []byte(sampleAgentsYAML), 0644); err != nil {
		return fmt.Errorf("writing sample agent catalog: %w", err)
	}

	fmt.Println("Initialized nexus-orchestrator project in", nexusDir)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  nexus-orchestrator validate .nexus/workflows/full.yaml")
	fmt.Println("  nexus-orchestrator create <issue> <title> <project> full feature \"\"")
	fmt.Println("  nexus-orchestrator start <workflow-id>")

	return nil
}
