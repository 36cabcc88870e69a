package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ghabs95/nexus-core/internal/clock"
	"github.com/Ghabs95/nexus-core/internal/config"
	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/eventbus"
	"github.com/Ghabs95/nexus-core/internal/storage"
	"github.com/Ghabs95/nexus-core/internal/types"
	"github.com/Ghabs95/nexus-core/internal/workflow"
)

// DefinitionProvider resolves a normalized workflow-type label to its
// WorkflowDefinition.
type DefinitionProvider interface {
	Definition(workflowType string) (*types.WorkflowDefinition, error)
}

// MapDefinitions is the simplest DefinitionProvider: an in-memory set
// keyed by normalized workflow_type, as loaded at startup by
// internal/workflow.Load for each definition file on disk.
type MapDefinitions map[string]*types.WorkflowDefinition

// Definition implements DefinitionProvider.
func (m MapDefinitions) Definition(workflowType string) (*types.WorkflowDefinition, error) {
	def, ok := m[workflowType]
	if !ok {
		return nil, nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeWorkflowTypeUnknown, "no workflow definition registered for type %q", workflowType)
	}
	return def, nil
}

// maxRouterHops bounds a single synchronous router-chain resolution.
// Back-edges are legal (review/develop loops), so this is a safety net
// against a misconfigured predicate that never terminates.
const maxRouterHops = 64

// Engine is the WorkflowEngine. All write operations are
// serialized per workflow_id via a per-workflow mutex, acquired before
// storage I/O and released after persistence.
type Engine struct {
	store  storage.Store
	bus    *eventbus.EventBus
	defs   DefinitionProvider
	router *Router
	cfg    config.EngineConfig
	clock  clock.Clock
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an Engine. A nil clock defaults to the system clock; a
// nil logger defaults to slog.Default().
func New(store storage.Store, bus *eventbus.EventBus, defs DefinitionProvider, cfg config.EngineConfig, c clock.Clock, logger *slog.Logger) *Engine {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		bus:    bus,
		defs:   defs,
		router: NewRouter(),
		cfg:    cfg,
		clock:  c,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(workflowID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[workflowID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[workflowID] = l
	}
	return l
}

// withWorkflowLock serializes all writers for workflowID
// ("the recommended discipline is a per-workflow mutex obtained at the
// start of each write and released after persistence").
func (e *Engine) withWorkflowLock(workflowID string, fn func() error) error {
	l := e.lockFor(workflowID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (e *Engine) emit(eventType, workflowID string, data map[string]any) {
	e.bus.Emit(eventbus.NewEvent(eventType, workflowID, data))
}

// CreateWorkflowForIssue loads the WorkflowDefinition for workflowType,
// instantiates a Workflow with deep-copied steps, assigns a stable
// workflow_id, maps the issue, persists, and emits workflow.started —
// but does not start execution; see StartWorkflow.
//
// replace controls re-creation: a caller may
// recreate a workflow for an issue that already has a mapping only when
// that prior workflow is terminal, and only if replace is true;
// omitting it on any non-terminal mapping is always
// ErrActiveMappingExists regardless of replace.
func (e *Engine) CreateWorkflowForIssue(ctx context.Context, issueNumber, issueTitle, projectKey, workflowType, taskType, description string, replace bool) (string, error) {
	normalized := workflow.NormalizeWorkflowType(workflowType, e.cfg.DefaultWorkflowType)
	def, err := e.defs.Definition(normalized)
	if err != nil {
		return "", err
	}

	existingID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return "", err
	}
	if existingID != "" {
		existing, err := e.store.LoadWorkflow(ctx, existingID)
		if err == nil && !existing.State.IsTerminal() {
			return "", nexuserr.ActiveMappingExists(issueNumber, existingID)
		}
		if !replace && err == nil {
			return "", nexuserr.ActiveMappingExists(issueNumber, existingID)
		}
	}

	workflowID := fmt.Sprintf("%s-%s-%s", projectKey, issueNumber, normalized)
	now := e.clock.Now().UTC()

	steps := make([]types.WorkflowStep, len(def.Steps))
	for i, sd := range def.Steps {
		step := types.NewWorkflowStep(sd)
		if step.InitialDelaySeconds <= 0 {
			step.InitialDelaySeconds = int(e.cfg.DefaultBackoffBase.Seconds())
		}
		if sd.BackoffStrategy == "" && e.cfg.DefaultBackoffStrategy != "" {
			step.BackoffStrategy = types.BackoffStrategy(e.cfg.DefaultBackoffStrategy)
		}
		steps[i] = step
	}

	wf := &types.Workflow{
		WorkflowID:   workflowID,
		IssueNumber:  issueNumber,
		ProjectKey:   projectKey,
		WorkflowType: normalized,
		State:        types.WorkflowCreated,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.MapIssue(ctx, issueNumber, workflowID); err != nil {
		return "", err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return "", err
	}

	e.emit(eventbus.TypeWorkflowStarted, workflowID, map[string]any{
		"issue_number":  issueNumber,
		"issue_title":   issueTitle,
		"project_key":   projectKey,
		"workflow_type": normalized,
		"task_type":     taskType,
		"description":   description,
	})

	return workflowID, nil
}

// StartWorkflow transitions state created -> running, resolves the
// first runnable (non-router) step — walking any router chain
// synchronously — marks it RUNNING, and emits step.started. Returns
// false if the workflow is not in created.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID string) (bool, error) {
	var started bool
	err := e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State != types.WorkflowCreated {
			return nil
		}

		if len(wf.Steps) == 0 {
			return nexuserr.DefinitionInvalid("workflow has no steps")
		}

		target, err := e.resolveRunnable(wf, wf.Steps[0].StepNum)
		if err != nil {
			return err
		}

		now := e.clock.Now().UTC()
		if target == nil {
			wf.State = types.WorkflowCompleted
			wf.UpdatedAt = now
			if err := e.store.SaveWorkflow(ctx, wf); err != nil {
				return err
			}
			e.emit(eventbus.TypeWorkflowCompleted, workflowID, nil)
			return nil
		}

		if e.enterApprovalGate(wf, target, now) {
			if err := e.persistApprovalGate(ctx, wf, target); err != nil {
				return err
			}
			started = true
			return nil
		}

		target.Status = types.StepRunning
		target.StartedAt = &now
		wf.CurrentStep = intp(target.StepNum)
		wf.State = types.WorkflowRunning
		wf.ActiveAgentType = target.Agent.Name
		wf.UpdatedAt = now
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		e.emit(eventbus.TypeStepStarted, workflowID, map[string]any{
			"step_num":   target.StepNum,
			"step_name":  target.Name,
			"agent_type": target.Agent.Name,
		})
		started = true
		return nil
	})
	return started, err
}

// resolveRunnable walks forward from fromStepNum through any router
// steps (evaluating their branches against the workflow's merged
// outputs) until it lands on a non-router step, or returns nil if it
// walks off the end of the sequence.
func (e *Engine) resolveRunnable(wf *types.Workflow, fromStepNum int) (*types.WorkflowStep, error) {
	num := fromStepNum
	for hop := 0; hop < maxRouterHops; hop++ {
		step := wf.StepByNum(num)
		if step == nil {
			return nil, nexuserr.DefinitionInvalid(fmt.Sprintf("step_num %d does not exist", num))
		}
		if !step.IsRouter() {
			return step, nil
		}
		next, err := e.router.Evaluate(step.Router, mergedOutputs(wf))
		if err != nil {
			return nil, err
		}
		num = next
	}
	return nil, nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "router chain exceeded %d hops starting at step %d", maxRouterHops, fromStepNum)
}

// nextStepAfter resolves the step following stepNum in declared order,
// walking any router chain the same way resolveRunnable does. Returns
// nil if stepNum is the last step.
func (e *Engine) nextStepAfter(wf *types.Workflow, stepNum int) (*types.WorkflowStep, error) {
	idx := wf.StepIndex(stepNum)
	if idx < 0 || idx+1 >= len(wf.Steps) {
		return nil, nil
	}
	return e.resolveRunnable(wf, wf.Steps[idx+1].StepNum)
}

// enterApprovalGate reports whether target requires an approval gate.
func (e *Engine) enterApprovalGate(wf *types.Workflow, target *types.WorkflowStep, now time.Time) bool {
	return target.ApprovalRequired
}

func (e *Engine) persistApprovalGate(ctx context.Context, wf *types.Workflow, target *types.WorkflowStep) error {
	now := e.clock.Now().UTC()
	wf.State = types.WorkflowApprovalWait
	wf.CurrentStep = intp(target.StepNum)
	wf.ActiveAgentType = target.Agent.Name
	wf.UpdatedAt = now

	approval := types.PendingApproval{
		IssueNumber: wf.IssueNumber,
		WorkflowID:  wf.WorkflowID,
		StepNum:     target.StepNum,
		AgentName:   target.Agent.Name,
		Approvers:   target.Approvers,
	}
	if target.ApprovalTimeoutSeconds > 0 {
		expires := now.Add(time.Duration(target.ApprovalTimeoutSeconds) * time.Second)
		approval.ExpiresAt = &expires
	}

	if err := e.store.SetPendingApproval(ctx, approval); err != nil {
		return err
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	e.emit(eventbus.TypeWorkflowApprovalRequired, wf.WorkflowID, map[string]any{
		"step_num":   target.StepNum,
		"agent_type": target.Agent.Name,
		"approvers":  target.Approvers,
	})
	return nil
}

// CompleteStepForIssue validates and applies a structured agent
// completion. It is idempotent on eventID: a previously
// applied eventID is detected via the CompletionRecord audit trail and
// returns the current Workflow unchanged without re-emitting events.
func (e *Engine) CompleteStepForIssue(ctx context.Context, issueNumber, completedAgentType string, outputs map[string]any, eventID string) (*types.Workflow, error) {
	return e.completeStepForIssue(ctx, issueNumber, completedAgentType, outputs, eventID, types.SourceLocal)
}

// ReplayCompletionForIssue is CompleteStepForIssue for the reconciler:
// identical transition semantics, but the CompletionRecord it appends
// carries source=reconciled so replayed records stay distinguishable
// from live ones in the audit trail.
func (e *Engine) ReplayCompletionForIssue(ctx context.Context, issueNumber, completedAgentType string, outputs map[string]any, eventID string) (*types.Workflow, error) {
	return e.completeStepForIssue(ctx, issueNumber, completedAgentType, outputs, eventID, types.SourceReconciled)
}

func (e *Engine) completeStepForIssue(ctx context.Context, issueNumber, completedAgentType string, outputs map[string]any, eventID string, source types.CompletionSource) (*types.Workflow, error) {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, nil
	}

	var result *types.Workflow
	err = e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}

		if eventID != "" {
			already, err := e.eventAlreadyApplied(ctx, issueNumber, eventID)
			if err != nil {
				return err
			}
			if already {
				result = wf
				return nil
			}
		}

		if wf.State == types.WorkflowPaused {
			return nexuserr.WorkflowPaused(issueNumber)
		}

		running := wf.RunningStep()
		completing := e.resolveCompletingStep(wf, running, completedAgentType)
		if completing == nil {
			// Unknown/mismatched agent: record for audit, emit drift
			// warning, do not advance.
			if err := e.recordCompletion(ctx, wf, completedAgentType, outputs, eventID, source); err != nil {
				return err
			}
			e.logger.Warn("completion agent does not match any pending step",
				"workflow_id", wf.WorkflowID,
				"issue_number", issueNumber,
				"completed_agent", completedAgentType)
			e.emit(eventbus.TypeSystemAlert, wf.WorkflowID, map[string]any{
				"severity":        string(eventbus.SeverityWarning),
				"issue_number":    issueNumber,
				"completed_agent": completedAgentType,
				"drift_flag":      "completion_mismatch",
			})
			result = wf
			return nil
		}

		if running == nil || completing.StepNum != running.StepNum {
			// Drift recovery: the completion matched a later step than
			// the one currently RUNNING (or nothing was RUNNING at all).
			// Advance position first.
			wf.CurrentStep = intp(completing.StepNum)
			wf.ActiveAgentType = completing.Agent.Name
			if completing.Status != types.StepRunning {
				now := e.clock.Now().UTC()
				completing.Status = types.StepRunning
				completing.StartedAt = &now
			}
			e.logger.Warn("advancing workflow position to match completion",
				"workflow_id", wf.WorkflowID,
				"issue_number", issueNumber,
				"completed_agent", completedAgentType,
				"step_num", completing.StepNum)
			e.emit(eventbus.TypeSystemAlert, wf.WorkflowID, map[string]any{
				"severity":        string(eventbus.SeverityWarning),
				"issue_number":    issueNumber,
				"completed_agent": completedAgentType,
				"drift_flag":      "workflow_vs_local",
			})
		}

		return e.applyCompletion(ctx, wf, completing, outputs, eventID, source, &result)
	})
	return result, err
}

// resolveCompletingStep performs the three-way
// comparison between completedAgentType and the currently RUNNING step.
func (e *Engine) resolveCompletingStep(wf *types.Workflow, running *types.WorkflowStep, completedAgentType string) *types.WorkflowStep {
	if running != nil && running.Agent.Name == completedAgentType {
		return running
	}

	// Search steps after the running position (or from the start, if
	// nothing is running) for a later step whose agent matches —
	// drift recovery for a completion that arrived out of order.
	startIdx := 0
	if running != nil {
		startIdx = wf.StepIndex(running.StepNum) + 1
	}
	for i := startIdx; i < len(wf.Steps); i++ {
		if wf.Steps[i].Agent.Name == completedAgentType && wf.Steps[i].Status != types.StepCompleted {
			return &wf.Steps[i]
		}
	}
	return nil
}

func (e *Engine) applyCompletion(ctx context.Context, wf *types.Workflow, step *types.WorkflowStep, outputs map[string]any, eventID string, source types.CompletionSource, result **types.Workflow) error {
	now := e.clock.Now().UTC()
	step.CompletedAt = &now
	step.Outputs = outputs

	failed := false
	if status, _ := outputs["status"].(string); status == "failed" {
		failed = true
	}

	if failed {
		errMsg, _ := outputs["error"].(string)
		step.Error = errMsg
		step.RetryCount++

		if step.RetryCount > step.EffectiveMaxRetries {
			step.Status = types.StepFailed
			wf.State = types.WorkflowFailed
			wf.UpdatedAt = now
			if err := e.store.SaveWorkflow(ctx, wf); err != nil {
				return err
			}
			if err := e.recordCompletion(ctx, wf, step.Agent.Name, outputs, eventID, source); err != nil {
				return err
			}
			e.emit(eventbus.TypeStepFailed, wf.WorkflowID, map[string]any{
				"step_num":   step.StepNum,
				"step_name":  step.Name,
				"agent_type": step.Agent.Name,
				"error":      errMsg,
			})
			e.emit(eventbus.TypeWorkflowFailed, wf.WorkflowID, map[string]any{
				"reason": fmt.Sprintf("step %s exceeded max_retries (%d)", step.Name, step.EffectiveMaxRetries),
			})
			e.emit(eventbus.TypeSystemAlert, wf.WorkflowID, map[string]any{
				"severity": string(eventbus.SeverityError),
				"message":  "workflow failed: retries exhausted",
			})
			*result = wf
			return nil
		}

		step.Status = types.StepPending
		step.CompletedAt = nil
		backoff := step.BackoffDelay(e.cfg.MaxBackoff)
		wf.UpdatedAt = now
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		if err := e.recordCompletion(ctx, wf, step.Agent.Name, outputs, eventID, source); err != nil {
			return err
		}
		e.emit(eventbus.TypeAgentRetry, wf.WorkflowID, map[string]any{
			"step_num":        step.StepNum,
			"agent_type":      step.Agent.Name,
			"attempt":         step.RetryCount,
			"backoff_seconds": backoff.Seconds(),
		})
		*result = wf
		return nil
	}

	step.Status = types.StepCompleted
	e.emit(eventbus.TypeStepCompleted, wf.WorkflowID, map[string]any{
		"step_num":   step.StepNum,
		"step_name":  step.Name,
		"agent_type": step.Agent.Name,
		"outputs":    outputs,
	})

	next, err := e.nextStepAfter(wf, step.StepNum)
	if err != nil {
		return err
	}

	if next == nil {
		wf.State = types.WorkflowCompleted
		wf.UpdatedAt = now
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		if err := e.recordCompletion(ctx, wf, step.Agent.Name, outputs, eventID, source); err != nil {
			return err
		}
		e.emit(eventbus.TypeWorkflowCompleted, wf.WorkflowID, nil)
		*result = wf
		return nil
	}

	if next.ApprovalRequired {
		if err := e.persistApprovalGate(ctx, wf, next); err != nil {
			return err
		}
		if err := e.recordCompletion(ctx, wf, step.Agent.Name, outputs, eventID, source); err != nil {
			return err
		}
		*result = wf
		return nil
	}

	next.Status = types.StepRunning
	next.StartedAt = &now
	wf.CurrentStep = intp(next.StepNum)
	wf.State = types.WorkflowRunning
	wf.ActiveAgentType = next.Agent.Name
	wf.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	if err := e.recordCompletion(ctx, wf, step.Agent.Name, outputs, eventID, source); err != nil {
		return err
	}
	e.emit(eventbus.TypeStepStarted, wf.WorkflowID, map[string]any{
		"step_num":   next.StepNum,
		"step_name":  next.Name,
		"agent_type": next.Agent.Name,
	})
	*result = wf
	return nil
}

func (e *Engine) eventAlreadyApplied(ctx context.Context, issueNumber, eventID string) (bool, error) {
	records, err := e.store.ListCompletions(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.CommentID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) recordCompletion(ctx context.Context, wf *types.Workflow, completedAgent string, outputs map[string]any, eventID string, source types.CompletionSource) error {
	rec := types.CompletionRecord{
		IssueNumber:    wf.IssueNumber,
		CompletedAgent: completedAgent,
		CommentID:      eventID,
		Source:         source,
		CreatedAt:      e.clock.Now().UTC(),
	}
	if next, _ := outputs["next_agent"].(string); next != "" {
		rec.NextAgent = next
	}
	if summary, _ := outputs["summary"].(string); summary != "" {
		rec.Summary = summary
	}
	if findings, ok := outputs["key_findings"].([]string); ok {
		rec.KeyFindings = findings
	}
	_, err := e.store.SaveCompletion(ctx, wf.IssueNumber, rec)
	return err
}

// ApproveStep transitions an approval-gated workflow to running and
// launches the gated step. Valid only in approval_wait.
func (e *Engine) ApproveStep(ctx context.Context, issueNumber, approver string) (*types.Workflow, error) {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, nexuserr.IssueNotFound(issueNumber)
	}

	var result *types.Workflow
	err = e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State != types.WorkflowApprovalWait {
			return nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeWorkflowConflict, "workflow %s is not awaiting approval", workflowID)
		}
		if wf.CurrentStep == nil {
			return nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeWorkflowConflict, "workflow %s has no pending step", workflowID)
		}
		step := wf.StepByNum(*wf.CurrentStep)
		if step == nil {
			return nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeWorkflowConflict, "workflow %s: pending step not found", workflowID)
		}
		if !approverAllowed(step.Approvers, approver) {
			return nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "%s is not an authorized approver for step %d", approver, step.StepNum)
		}

		now := e.clock.Now().UTC()
		step.Status = types.StepRunning
		step.StartedAt = &now
		wf.State = types.WorkflowRunning
		wf.UpdatedAt = now

		if err := e.store.ClearPendingApproval(ctx, issueNumber); err != nil {
			return err
		}
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		e.emit(eventbus.TypeStepStarted, wf.WorkflowID, map[string]any{
			"step_num":    step.StepNum,
			"step_name":   step.Name,
			"agent_type":  step.Agent.Name,
			"approved_by": approver,
		})
		result = wf
		return nil
	})
	return result, err
}

// DenyStep transitions an approval-gated workflow to failed.
func (e *Engine) DenyStep(ctx context.Context, issueNumber, approver string) (*types.Workflow, error) {
	return e.failApprovalGate(ctx, issueNumber, fmt.Sprintf("denied by %s", approver), "approval_denied")
}

// ExpireApproval transitions an approval-gated workflow to failed with
// reason approval_timeout, if its PendingApproval has expired. The host is responsible for invoking this
// for issues it tracks; the storage contract has no "list all pending
// approvals" operation.
func (e *Engine) ExpireApproval(ctx context.Context, issueNumber string) (*types.Workflow, error) {
	approval, err := e.store.GetPendingApproval(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if approval == nil || approval.ExpiresAt == nil || approval.ExpiresAt.After(e.clock.Now()) {
		return nil, nil
	}
	return e.failApprovalGate(ctx, issueNumber, "approval timed out", "approval_timeout")
}

func (e *Engine) failApprovalGate(ctx context.Context, issueNumber, message, reason string) (*types.Workflow, error) {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, nexuserr.IssueNotFound(issueNumber)
	}

	var result *types.Workflow
	err = e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State != types.WorkflowApprovalWait {
			return nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeWorkflowConflict, "workflow %s is not awaiting approval", workflowID)
		}

		now := e.clock.Now().UTC()
		if wf.CurrentStep != nil {
			if step := wf.StepByNum(*wf.CurrentStep); step != nil {
				step.Status = types.StepFailed
				step.Error = message
			}
		}
		wf.State = types.WorkflowFailed
		wf.UpdatedAt = now

		if err := e.store.ClearPendingApproval(ctx, issueNumber); err != nil {
			return err
		}
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		e.emit(eventbus.TypeWorkflowFailed, wf.WorkflowID, map[string]any{
			"reason":  reason,
			"message": message,
		})
		e.emit(eventbus.TypeSystemAlert, wf.WorkflowID, map[string]any{
			"severity": string(eventbus.SeverityError),
			"message":  message,
		})
		result = wf
		return nil
	})
	return result, err
}

func approverAllowed(approvers []string, approver string) bool {
	if len(approvers) == 0 {
		return true
	}
	for _, a := range approvers {
		if a == approver {
			return true
		}
	}
	return false
}

// PauseWorkflow toggles a running workflow to paused.
// While paused, CompleteStepForIssue is rejected with
// ErrWorkflowPaused.
func (e *Engine) PauseWorkflow(ctx context.Context, issueNumber, reason string) error {
	return e.transitionRunningTo(ctx, issueNumber, types.WorkflowPaused, func(wf *types.Workflow) {
		e.emit(eventbus.TypeWorkflowPaused, wf.WorkflowID, map[string]any{"reason": reason})
	})
}

// ResumeWorkflow toggles a paused workflow back to running.
func (e *Engine) ResumeWorkflow(ctx context.Context, issueNumber string) error {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if workflowID == "" {
		return nexuserr.IssueNotFound(issueNumber)
	}
	return e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State != types.WorkflowPaused {
			return nil
		}
		wf.State = types.WorkflowRunning
		wf.UpdatedAt = e.clock.Now().UTC()
		return e.store.SaveWorkflow(ctx, wf)
	})
}

func (e *Engine) transitionRunningTo(ctx context.Context, issueNumber string, target types.WorkflowState, onApply func(*types.Workflow)) error {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if workflowID == "" {
		return nexuserr.IssueNotFound(issueNumber)
	}
	return e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State != types.WorkflowRunning {
			return nil
		}
		wf.State = target
		wf.UpdatedAt = e.clock.Now().UTC()
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		if onApply != nil {
			onApply(wf)
		}
		return nil
	})
}

// CancelWorkflow transitions a non-terminal workflow to cancelled,
// clears any pending approval, and emits workflow.cancelled. Returns
// false if the workflow is already terminal.
func (e *Engine) CancelWorkflow(ctx context.Context, issueNumber, reason string) (bool, error) {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	if workflowID == "" {
		return false, nexuserr.IssueNotFound(issueNumber)
	}

	var cancelled bool
	err = e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State.IsTerminal() {
			return nil
		}

		for i := range wf.Steps {
			if wf.Steps[i].Status == types.StepRunning {
				wf.Steps[i].Status = types.StepSkipped
			}
		}
		wf.State = types.WorkflowCancelled
		wf.UpdatedAt = e.clock.Now().UTC()

		if err := e.store.ClearPendingApproval(ctx, issueNumber); err != nil {
			return err
		}
		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		e.emit(eventbus.TypeWorkflowCancelled, wf.WorkflowID, map[string]any{"reason": reason})
		cancelled = true
		return nil
	})
	return cancelled, err
}

// ResetToAgentForIssue rewinds current_step to the first step whose
// agent matches agentType, resetting it to pending and clearing any
// RUNNING step — manual /continue-style recovery.
func (e *Engine) ResetToAgentForIssue(ctx context.Context, issueNumber, agentType string) (bool, error) {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return false, err
	}
	if workflowID == "" {
		return false, nil
	}

	var ok bool
	err = e.withWorkflowLock(workflowID, func() error {
		wf, err := e.store.LoadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if wf.State.IsTerminal() {
			return nil
		}

		var target *types.WorkflowStep
		for i := range wf.Steps {
			if wf.Steps[i].Agent.Name == agentType {
				target = &wf.Steps[i]
				break
			}
		}
		if target == nil {
			return nil
		}

		for i := range wf.Steps {
			if wf.Steps[i].Status == types.StepRunning {
				wf.Steps[i].Status = types.StepPending
				wf.Steps[i].StartedAt = nil
			}
		}

		target.Status = types.StepPending
		target.StartedAt = nil
		target.CompletedAt = nil
		target.Error = ""
		wf.CurrentStep = intp(target.StepNum)
		wf.ActiveAgentType = target.Agent.Name
		wf.State = types.WorkflowRunning
		wf.UpdatedAt = e.clock.Now().UTC()

		if err := e.store.SaveWorkflow(ctx, wf); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// Status is the read-only projection GetWorkflowStatus returns.
type Status struct {
	WorkflowID   string
	IssueNumber  string
	State        types.WorkflowState
	CurrentStep  int
	TotalSteps   int
	CurrentAgent string
	UpdatedAt    time.Time
}

// GetWorkflowStatus returns a read-only projection of the active
// workflow for issueNumber, or nil if none is mapped.
func (e *Engine) GetWorkflowStatus(ctx context.Context, issueNumber string) (*Status, error) {
	workflowID, err := e.store.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if workflowID == "" {
		return nil, nil
	}
	wf, err := e.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	currentStep := 0
	if wf.CurrentStep != nil {
		currentStep = *wf.CurrentStep
	}
	return &Status{
		WorkflowID:   wf.WorkflowID,
		IssueNumber:  wf.IssueNumber,
		State:        wf.State,
		CurrentStep:  currentStep,
		TotalSteps:   len(wf.Steps),
		CurrentAgent: wf.ActiveAgentType,
		UpdatedAt:    wf.UpdatedAt,
	}, nil
}

func intp(i int) *int { return &i }
