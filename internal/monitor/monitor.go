package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/Ghabs95/nexus-core/internal/clock"
	"github.com/Ghabs95/nexus-core/internal/config"
	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/eventbus"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// DeadAgentAction is the policy decision DetectDeadAgent returns.
type DeadAgentAction string

const (
	// DeadAgentNoOp: the workflow is terminal; nothing to do.
	DeadAgentNoOp DeadAgentAction = "noop"
	// DeadAgentRetry: the current running step matches the dead agent;
	// schedule a retry subject to the fuse.
	DeadAgentRetry DeadAgentAction = "retry"
	// DeadAgentDrift: the dead agent does not match the current running
	// step; log drift and leave reconciliation to the Reconciler.
	DeadAgentDrift DeadAgentAction = "drift"
)

// AgentMonitor is the process orchestrator: stuck-agent timeout detection via log mtime, kill escalation,
// a per-(issue, agent_type) sliding-window retry fuse, dead-agent
// detection, and liveness queries.
type AgentMonitor struct {
	registry *Registry
	cfg      config.MonitorConfig
	bus      *eventbus.EventBus
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates an AgentMonitor. A nil clock defaults to the system clock;
// a nil bus disables event emission (used in tests that only assert
// return values).
func New(registry *Registry, cfg config.MonitorConfig, bus *eventbus.EventBus, c clock.Clock, logger *slog.Logger) *AgentMonitor {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentMonitor{registry: registry, cfg: cfg, bus: bus, clock: c, logger: logger}
}

func (m *AgentMonitor) emit(event eventbus.Event) {
	if m.bus != nil {
		m.bus.Emit(event)
	}
}

// CheckTimeout compares now - mtime(logFilePath) against effectiveTimeout.
// A log file that does not yet exist is not a timeout — the launcher is
// responsible for creating it. When the threshold is exceeded it
// confirms the process is still alive before reporting a timeout.
func (m *AgentMonitor) CheckTimeout(ctx context.Context, issueNumber, logFilePath string, effectiveTimeout time.Duration) (timedOut bool, pid int, err error) {
	info, statErr := os.Stat(logFilePath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return false, 0, nil
		}
		return false, 0, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "statting agent log file", statErr)
	}

	if m.clock.Now().Sub(info.ModTime()) <= effectiveTimeout {
		return false, 0, nil
	}

	rec, rerr := m.registry.GetLaunch(ctx, issueNumber)
	if rerr != nil {
		return false, 0, rerr
	}
	if rec == nil || !IsProcessAlive(rec.PID) {
		return false, 0, nil
	}
	return true, rec.PID, nil
}

// IsProcessAlive sends a null signal to pid. Permission-denied is
// treated as alive (the process exists but isn't ours to signal);
// no-such-process is dead.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM)
}

// KillAgent sends a polite termination signal, polls liveness at
// KillPollInterval for KillGracePeriod, and escalates to a force kill if
// the process is still alive. A successful kill emits AGENT_TIMEOUT_KILL
// as an audit.logged event plus a warning-severity system.alert.
func (m *AgentMonitor) KillAgent(ctx context.Context, pid int, issueNumber string) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil // already gone
	}

	_ = proc.Signal(syscall.SIGTERM)

	grace := m.cfg.KillGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	interval := m.cfg.KillPollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	deadline := m.clock.Now().Add(grace)
	for m.clock.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			m.emitKillSuccess(issueNumber, pid, false)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	if IsProcessAlive(pid) {
		_ = proc.Signal(syscall.SIGKILL)
	}
	m.emitKillSuccess(issueNumber, pid, true)
	return nil
}

func (m *AgentMonitor) emitKillSuccess(issueNumber string, pid int, forced bool) {
	now := m.clock.Now().UTC()
	m.emit(eventbus.NewEvent(eventbus.TypeAuditLogged, "", map[string]any{
		"action":       "AGENT_TIMEOUT_KILL",
		"issue_number": issueNumber,
		"pid":          pid,
		"forced":       forced,
		"at":           now,
	}))
	m.emit(eventbus.NewEvent(eventbus.TypeSystemAlert, "", map[string]any{
		"severity":     string(eventbus.SeverityWarning),
		"issue_number": issueNumber,
		"pid":          pid,
		"message":      "killed stuck agent after timeout",
	}))
}

// Run drives the periodic stuck-agent scan until ctx is cancelled.
// Each tick walks the launch registry, checks every tracked log file
// against timeoutFor's effective timeout, and emits agent.timeout for
// each stuck process found. Killing is left to the subscriber so a
// host can gate it behind its own policy; in-flight work finishes
// before Run returns, no new scans start after cancellation.
func (m *AgentMonitor) Run(ctx context.Context, timeoutFor func(issueNumber, agentType string) time.Duration) error {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.scan(ctx, timeoutFor)
		}
	}
}

func (m *AgentMonitor) scan(ctx context.Context, timeoutFor func(string, string) time.Duration) {
	launches, err := m.registry.ListLaunches(ctx)
	if err != nil {
		m.logger.Warn("monitor scan: listing launches", "error", err)
		return
	}
	for _, rec := range launches {
		timeout := timeoutFor(rec.IssueNumber, rec.AgentType)
		if timeout <= 0 {
			continue
		}
		timedOut, pid, err := m.CheckTimeout(ctx, rec.IssueNumber, rec.LogFilePath, timeout)
		if err != nil {
			m.logger.Warn("monitor scan: timeout check failed",
				"issue_number", rec.IssueNumber,
				"error", err)
			continue
		}
		if timedOut {
			m.emit(eventbus.NewEvent(eventbus.TypeAgentTimeout, "", map[string]any{
				"issue_number": rec.IssueNumber,
				"agent_type":   rec.AgentType,
				"pid":          pid,
			}))
		}
	}
}

// IsIssueProcessRunning combines the launch registry with a liveness
// check.
func (m *AgentMonitor) IsIssueProcessRunning(ctx context.Context, issueNumber string) (bool, error) {
	rec, err := m.registry.GetLaunch(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return IsProcessAlive(rec.PID), nil
}

// RecordRetryAttempt advances the sliding-window retry fuse for
// (issueNumber, agentType) and reports whether another automatic retry
// is still permitted. Both soft and hard trips emit an error-severity
// system.alert and halt further automatic retries.
func (m *AgentMonitor) RecordRetryAttempt(ctx context.Context, issueNumber, agentType string) (allowed bool, err error) {
	fuse, err := m.registry.GetFuse(ctx, issueNumber, agentType)
	if err != nil {
		return false, err
	}
	now := m.clock.Now().UTC()

	if fuse.HardStopped {
		return false, nil
	}

	softWindow := m.cfg.SoftFuseWindow
	if softWindow <= 0 {
		softWindow = 10 * time.Minute
	}
	softThreshold := m.cfg.SoftFuseThreshold
	if softThreshold <= 0 {
		softThreshold = 3
	}
	hardWindow := m.cfg.HardFuseWindow
	if hardWindow <= 0 {
		hardWindow = time.Hour
	}
	hardThreshold := m.cfg.HardFuseThreshold
	if hardThreshold <= 0 {
		hardThreshold = 2
	}

	if fuse.WindowStart.IsZero() || now.Sub(fuse.WindowStart) > softWindow {
		fuse.WindowStart = now
		fuse.Attempts = 0
		fuse.Tripped = false
	}
	fuse.Attempts++

	if fuse.Attempts > softThreshold {
		fuse.Tripped = true
		fuse.TripTimes = append(fuse.TripTimes, now)

		cutoff := now.Add(-hardWindow)
		recent := fuse.TripTimes[:0]
		for _, t := range fuse.TripTimes {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		fuse.TripTimes = recent

		if len(fuse.TripTimes) >= hardThreshold {
			fuse.HardStopped = true
		}

		if saveErr := m.registry.SaveFuse(ctx, issueNumber, agentType, fuse); saveErr != nil {
			return false, saveErr
		}

		severity := eventbus.SeverityError
		reason := "retry fuse tripped"
		if fuse.HardStopped {
			reason = "retry fuse permanently hard-stopped; manual reset required"
		}
		m.emit(eventbus.NewEvent(eventbus.TypeSystemAlert, "", map[string]any{
			"severity":     string(severity),
			"issue_number": issueNumber,
			"agent_type":   agentType,
			"message":      reason,
		}))
		return false, nil
	}

	return true, m.registry.SaveFuse(ctx, issueNumber, agentType, fuse)
}

// ResetFuse manually clears a hard-stopped or tripped fuse.
func (m *AgentMonitor) ResetFuse(ctx context.Context, issueNumber, agentType string) error {
	return m.registry.ResetFuse(ctx, issueNumber, agentType)
}

// DetectDeadAgent implements the policy: a PID that
// has exited while its step is still RUNNING is "dead", distinct from a
// timeout. If the workflow is terminal, do nothing. If the currently
// running step matches deadAgentType, the caller should schedule a
// retry subject to the fuse. Otherwise, log drift and leave
// reconciliation to the Reconciler.
func (m *AgentMonitor) DetectDeadAgent(wf *types.Workflow, deadAgentType string) DeadAgentAction {
	if wf.State.IsTerminal() {
		return DeadAgentNoOp
	}
	running := wf.RunningStep()
	if running == nil {
		return DeadAgentDrift
	}
	if running.Agent.Name == deadAgentType {
		return DeadAgentRetry
	}

	m.logger.Warn("dead agent does not match running step; leaving to reconciler",
		"workflow_id", wf.WorkflowID,
		"issue_number", wf.IssueNumber,
		"dead_agent_type", deadAgentType,
		"running_step_agent", running.Agent.Name,
	)
	return DeadAgentDrift
}
