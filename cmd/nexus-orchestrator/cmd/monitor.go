package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "ProcessOrchestrator / AgentMonitor operations",
	Long:  `Operations over the launched-process registry and retry fuse.`,
}

var monitorCheckTimeoutCmd = &cobra.Command{
	Use:   "check-timeout <issue> <log-file> <timeout-seconds>",
	Short: "Check whether a tracked agent has exceeded its timeout",
	Args:  cobra.ExactArgs(3),
	RunE:  runMonitorCheckTimeout,
}

var monitorKillCmd = &cobra.Command{
	Use:   "kill <pid> <issue>",
	Short: "Kill a stuck agent process (graceful, then forced after a grace window)",
	Args:  cobra.ExactArgs(2),
	RunE:  runMonitorKill,
}

var monitorStatusCmd = &cobra.Command{
	Use:   "status <issue>",
	Short: "Report whether an issue's tracked process is still alive",
	Args:  cobra.ExactArgs(1),
	RunE:  runMonitorStatus,
}

var monitorFuseResetCmd = &cobra.Command{
	Use:   "fuse-reset <issue> <agent-type>",
	Short: "Manually reset a tripped retry fuse",
	Args:  cobra.ExactArgs(2),
	RunE:  runMonitorFuseReset,
}

func init() {
	monitorCmd.AddCommand(monitorCheckTimeoutCmd, monitorKillCmd, monitorStatusCmd, monitorFuseResetCmd)
	rootCmd.AddCommand(monitorCmd)
}

func runMonitorCheckTimeout(cmd *cobra.Command, args []string) error {
	issueNumber, logFile := args[0], args[1]
	var timeoutSeconds int
	if _, err := fmt.Sscanf(args[2], "%d", &timeoutSeconds); err != nil {
		return fmt.Errorf("invalid timeout-seconds %q: %w", args[2], err)
	}

	return withApp(func(a *app) error {
		timedOut, pid, err := a.monitor.CheckTimeout(context.Background(), issueNumber, logFile, time.Duration(timeoutSeconds)*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("timed_out=%v pid=%d\n", timedOut, pid)
		return nil
	})
}

func runMonitorKill(cmd *cobra.Command, args []string) error {
	issueNumber := args[1]
	var pid int
	if _, err := fmt.Sscanf(args[0], "%d", &pid); err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}

	return withApp(func(a *app) error {
		if err := a.monitor.KillAgent(context.Background(), pid, issueNumber); err != nil {
			return err
		}
		fmt.Printf("killed pid %d for issue %s\n", pid, issueNumber)
		return nil
	})
}

func runMonitorStatus(cmd *cobra.Command, args []string) error {
	issueNumber := args[0]
	return withApp(func(a *app) error {
		running, err := a.monitor.IsIssueProcessRunning(context.Background(), issueNumber)
		if err != nil {
			return err
		}
		fmt.Printf("running=%v\n", running)
		return nil
	})
}

func runMonitorFuseReset(cmd *cobra.Command, args []string) error {
	issueNumber, agentType := args[0], args[1]
	return withApp(func(a *app) error {
		if err := a.monitor.ResetFuse(context.Background(), issueNumber, agentType); err != nil {
			return err
		}
		fmt.Printf("reset fuse for issue %s agent %s\n", issueNumber, agentType)
		return nil
	})
}
