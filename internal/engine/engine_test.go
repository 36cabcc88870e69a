package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Ghabs95/nexus-core/internal/clock"
	"github.com/Ghabs95/nexus-core/internal/config"
	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/eventbus"
	"github.com/Ghabs95/nexus-core/internal/storage/fsstore"
	"github.com/Ghabs95/nexus-core/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func agentStep(stepNum int, name, agent string, maxRetries int, approvalRequired bool) types.StepDefinition {
	mr := maxRetries
	return types.StepDefinition{
		StepNum:          stepNum,
		Name:             name,
		Agent:            types.AgentCapability{Name: agent},
		MaxRetries:       &mr,
		ApprovalRequired: approvalRequired,
	}
}

func routerStep(stepNum int, branches ...types.RouterBranch) types.StepDefinition {
	return types.StepDefinition{
		StepNum: stepNum,
		Name:    "route",
		Agent:   types.AgentCapability{Name: "router"},
		Router:  branches,
	}
}

func newTestEngine(t *testing.T, defs MapDefinitions, c clock.Clock) (*Engine, *eventbus.EventBus) {
	t.Helper()
	store, err := fsstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("fsstore.New: %v", err)
	}
	bus := eventbus.New(nil)
	return New(store, bus, defs, config.Default().Engine, c, nil), bus
}

func collectEvents(bus *eventbus.EventBus) *[]eventbus.Event {
	events := &[]eventbus.Event{}
	var mu sync.Mutex
	bus.SubscribePattern("*", func(e eventbus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, e)
		return nil
	})
	return events
}

// TestHappyPath drives a two-step workflow from creation through
// completion, asserting the expected event sequence and terminal state.
func TestHappyPath(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "triage", "triage", 2, false),
				agentStep(2, "develop", "developer", 2, false),
			},
		},
	}
	e, bus := newTestEngine(t, defs, fc)
	events := collectEvents(bus)
	ctx := context.Background()

	workflowID, err := e.CreateWorkflowForIssue(ctx, "42", "Fix bug", "proj", "full", "bug", "desc", false)
	if err != nil {
		t.Fatalf("CreateWorkflowForIssue: %v", err)
	}
	if workflowID != "proj-42-full" {
		t.Fatalf("expected workflow id proj-42-full, got %s", workflowID)
	}

	started, err := e.StartWorkflow(ctx, workflowID)
	if err != nil || !started {
		t.Fatalf("StartWorkflow: started=%v err=%v", started, err)
	}

	wf, err := e.CompleteStepForIssue(ctx, "42", "triage", map[string]any{"status": "success"}, "c1")
	if err != nil {
		t.Fatalf("complete step 1: %v", err)
	}
	if wf.State != types.WorkflowRunning {
		t.Fatalf("expected running after step 1, got %s", wf.State)
	}

	wf, err = e.CompleteStepForIssue(ctx, "42", "developer", map[string]any{"status": "success"}, "c2")
	if err != nil {
		t.Fatalf("complete step 2: %v", err)
	}
	if wf.State != types.WorkflowCompleted {
		t.Fatalf("expected completed, got %s", wf.State)
	}

	var gotStarted, gotCompleted bool
	for _, ev := range *events {
		if ev.EventType == eventbus.TypeWorkflowStarted {
			gotStarted = true
		}
		if ev.EventType == eventbus.TypeWorkflowCompleted {
			gotCompleted = true
		}
	}
	if !gotStarted || !gotCompleted {
		t.Fatalf("expected workflow.started and workflow.completed events, got %+v", *events)
	}
}

// TestRetryThenSuccess exercises the retry path: two failed attempts
// followed by a successful third, with max_retries=2.
func TestRetryThenSuccess(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "develop", "developer", 2, false),
			},
		},
	}
	e, _ := newTestEngine(t, defs, fc)
	ctx := context.Background()

	workflowID, err := e.CreateWorkflowForIssue(ctx, "7", "t", "proj", "full", "bug", "d", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.StartWorkflow(ctx, workflowID); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 2; i++ {
		wf, err := e.CompleteStepForIssue(ctx, "7", "developer", map[string]any{"status": "failed", "error": "boom"}, "")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", i+1, err)
		}
		if wf.State != types.WorkflowRunning {
			t.Fatalf("expected running after retriable failure %d, got %s", i+1, wf.State)
		}
		step := wf.StepByNum(1)
		if step.Status != types.StepPending {
			t.Fatalf("expected step reset to pending for retry, got %s", step.Status)
		}
	}

	wf, err := e.CompleteStepForIssue(ctx, "7", "developer", map[string]any{"status": "success"}, "")
	if err != nil {
		t.Fatalf("final success: %v", err)
	}
	if wf.State != types.WorkflowCompleted {
		t.Fatalf("expected completed after retry success, got %s", wf.State)
	}
}

// TestRetryExhaustionFailsWorkflow confirms the third failure with
// max_retries=2 fails the workflow (retry_count > max_retries).
func TestRetryExhaustionFailsWorkflow(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "develop", "developer", 2, false),
			},
		},
	}
	e, bus := newTestEngine(t, defs, fc)
	events := collectEvents(bus)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "9", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)

	var wf *types.Workflow
	var err error
	for i := 0; i < 3; i++ {
		wf, err = e.CompleteStepForIssue(ctx, "9", "developer", map[string]any{"status": "failed", "error": "boom"}, "")
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if wf.State != types.WorkflowFailed {
		t.Fatalf("expected failed after exhausting retries, got %s", wf.State)
	}

	var gotFailed bool
	for _, ev := range *events {
		if ev.EventType == eventbus.TypeWorkflowFailed {
			gotFailed = true
		}
	}
	if !gotFailed {
		t.Fatal("expected a workflow.failed event")
	}
}

// TestApprovalGate exercises the approval gate: a step with
// approval_required suspends the workflow, and ApproveStep resumes it.
func TestApprovalGate(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "develop", "developer", 2, false),
				agentStep(2, "deploy", "deployer", 0, true),
			},
		},
	}
	defs["full"].Steps[1].Approvers = []string{"alice"}
	e, _ := newTestEngine(t, defs, fc)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "11", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)

	wf, err := e.CompleteStepForIssue(ctx, "11", "developer", map[string]any{"status": "success"}, "")
	if err != nil {
		t.Fatalf("complete step 1: %v", err)
	}
	if wf.State != types.WorkflowApprovalWait {
		t.Fatalf("expected approval_wait, got %s", wf.State)
	}

	if _, err := e.ApproveStep(ctx, "11", "bob"); err == nil {
		t.Fatal("expected an unauthorized approver to be rejected")
	}

	wf, err = e.ApproveStep(ctx, "11", "alice")
	if err != nil {
		t.Fatalf("ApproveStep: %v", err)
	}
	if wf.State != types.WorkflowRunning {
		t.Fatalf("expected running after approval, got %s", wf.State)
	}
	if wf.StepByNum(2).Status != types.StepRunning {
		t.Fatal("expected the gated step to be running after approval")
	}
}

// TestDenyStepFailsWorkflow exercises denial transitioning to failed.
func TestDenyStepFailsWorkflow(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "deploy", "deployer", 0, true),
			},
		},
	}
	e, _ := newTestEngine(t, defs, fc)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "12", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)

	wf, err := e.DenyStep(ctx, "12", "alice")
	if err != nil {
		t.Fatalf("DenyStep: %v", err)
	}
	if wf.State != types.WorkflowFailed {
		t.Fatalf("expected failed after denial, got %s", wf.State)
	}
}

// TestIdempotentCompletionReplay confirms a duplicate eventID is a
// no-op and step.completed is never emitted twice.
func TestIdempotentCompletionReplay(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "triage", "triage", 2, false),
				agentStep(2, "develop", "developer", 2, false),
			},
		},
	}
	e, bus := newTestEngine(t, defs, fc)
	events := collectEvents(bus)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "15", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)

	if _, err := e.CompleteStepForIssue(ctx, "15", "triage", map[string]any{"status": "success"}, "dup1"); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if _, err := e.CompleteStepForIssue(ctx, "15", "triage", map[string]any{"status": "success"}, "dup1"); err != nil {
		t.Fatalf("replayed completion: %v", err)
	}

	count := 0
	for _, ev := range *events {
		if ev.EventType == eventbus.TypeStepCompleted {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected step.completed emitted exactly once, got %d", count)
	}
}

// TestRouterSelectsBranch exercises a router step choosing a branch by
// predicate against merged step outputs.
func TestRouterSelectsBranch(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "triage", "triage", 2, false),
				routerStep(2,
					types.RouterBranch{Predicate: "needs_review == true", NextStep: 4},
					types.RouterBranch{NextStep: 3, Default: true},
				),
				agentStep(3, "develop", "developer", 2, false),
				agentStep(4, "review", "reviewer", 2, false),
			},
		},
	}
	e, _ := newTestEngine(t, defs, fc)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "20", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)

	wf, err := e.CompleteStepForIssue(ctx, "20", "triage", map[string]any{"status": "success", "needs_review": true}, "")
	if err != nil {
		t.Fatalf("complete triage: %v", err)
	}
	if wf.ActiveAgentType != "reviewer" {
		t.Fatalf("expected router to select reviewer branch, active agent is %s", wf.ActiveAgentType)
	}
}

// TestPauseBlocksCompletion confirms a paused workflow rejects
// CompleteStepForIssue with ErrWorkflowPaused.
func TestPauseBlocksCompletion(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "develop", "developer", 2, false),
			},
		},
	}
	e, _ := newTestEngine(t, defs, fc)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "25", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)

	if err := e.PauseWorkflow(ctx, "25", "manual hold"); err != nil {
		t.Fatalf("PauseWorkflow: %v", err)
	}

	_, err := e.CompleteStepForIssue(ctx, "25", "developer", map[string]any{"status": "success"}, "")
	if err == nil || nexuserr.Code(err) != nexuserr.CodeWorkflowPaused {
		t.Fatalf("expected CodeWorkflowPaused, got %v", err)
	}

	if err := e.ResumeWorkflow(ctx, "25"); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	if _, err := e.CompleteStepForIssue(ctx, "25", "developer", map[string]any{"status": "success"}, ""); err != nil {
		t.Fatalf("completion after resume: %v", err)
	}
}

// TestActiveMappingExistsBlocksRecreate confirms a non-terminal mapping
// always blocks recreation regardless of replace.
func TestActiveMappingExistsBlocksRecreate(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "develop", "developer", 2, false),
			},
		},
	}
	e, _ := newTestEngine(t, defs, fc)
	ctx := context.Background()

	if _, err := e.CreateWorkflowForIssue(ctx, "30", "t", "proj", "full", "bug", "d", false); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := e.CreateWorkflowForIssue(ctx, "30", "t", "proj", "full", "bug", "d", true)
	if err == nil || nexuserr.Code(err) != nexuserr.CodeActiveMappingExists {
		t.Fatalf("expected CodeActiveMappingExists for a non-terminal mapping even with replace=true, got %v", err)
	}
}

// TestCancelWorkflow confirms cancellation from running and its
// rejection once the workflow is terminal.
func TestCancelWorkflow(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "develop", "developer", 2, false),
			},
		},
	}
	e, bus := newTestEngine(t, defs, fc)
	events := collectEvents(bus)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "31", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)

	cancelled, err := e.CancelWorkflow(ctx, "31", "superseded")
	if err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if !cancelled {
		t.Fatal("expected a running workflow to cancel")
	}

	status, err := e.GetWorkflowStatus(ctx, "31")
	if err != nil {
		t.Fatalf("GetWorkflowStatus: %v", err)
	}
	if status.State != types.WorkflowCancelled {
		t.Fatalf("expected cancelled, got %s", status.State)
	}

	cancelled, err = e.CancelWorkflow(ctx, "31", "again")
	if err != nil {
		t.Fatalf("second CancelWorkflow: %v", err)
	}
	if cancelled {
		t.Fatal("a terminal workflow must not cancel again")
	}

	var gotCancelled bool
	for _, ev := range *events {
		if ev.EventType == eventbus.TypeWorkflowCancelled {
			gotCancelled = true
		}
	}
	if !gotCancelled {
		t.Fatal("expected a workflow.cancelled event")
	}
}

// TestResetToAgentForIssue confirms a manual reset rewinds to the
// matching step and clears any RUNNING step.
func TestResetToAgentForIssue(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	defs := MapDefinitions{
		"full": {
			WorkflowType: "full",
			Steps: []types.StepDefinition{
				agentStep(1, "triage", "triage", 2, false),
				agentStep(2, "develop", "developer", 2, false),
			},
		},
	}
	e, _ := newTestEngine(t, defs, fc)
	ctx := context.Background()

	workflowID, _ := e.CreateWorkflowForIssue(ctx, "33", "t", "proj", "full", "bug", "d", false)
	e.StartWorkflow(ctx, workflowID)
	e.CompleteStepForIssue(ctx, "33", "triage", map[string]any{"status": "success"}, "")

	ok, err := e.ResetToAgentForIssue(ctx, "33", "triage")
	if err != nil {
		t.Fatalf("ResetToAgentForIssue: %v", err)
	}
	if !ok {
		t.Fatal("expected reset to find the triage step")
	}

	status, err := e.GetWorkflowStatus(ctx, "33")
	if err != nil {
		t.Fatalf("GetWorkflowStatus: %v", err)
	}
	if status.CurrentStep != 1 {
		t.Fatalf("expected current_step 1 after reset, got %d", status.CurrentStep)
	}
}
