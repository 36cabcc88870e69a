package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexus.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadWorkflow_WithSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	step := types.NewWorkflowStep(types.StepDefinition{StepNum: 1, Name: "triage", Agent: types.AgentCapability{Name: "triager", DefaultMaxRetries: 2}})
	w := &types.Workflow{
		WorkflowID:   "wf-1",
		IssueNumber:  "42",
		WorkflowType: "full",
		State:        types.WorkflowRunning,
		Steps:        []types.WorkflowStep{step},
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.SaveWorkflow(ctx, w); err != nil {
		t.Fatalf("SaveWorkflow() error = %v", err)
	}

	got, err := s.LoadWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("LoadWorkflow() error = %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].Agent.Name != "triager" {
		t.Errorf("LoadWorkflow() steps = %+v", got.Steps)
	}
}

func TestLoadWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadWorkflow(context.Background(), "missing")
	if !nexuserr.HasCode(err, nexuserr.CodeWorkflowNotFound) {
		t.Errorf("expected CodeWorkflowNotFound, got %v", err)
	}
}

func TestSaveWorkflow_ConflictOnStaleUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveWorkflow(ctx, &types.Workflow{WorkflowID: "wf-1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveWorkflow(ctx, &types.Workflow{WorkflowID: "wf-1", CreatedAt: now, UpdatedAt: now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	err := s.SaveWorkflow(ctx, &types.Workflow{WorkflowID: "wf-1", CreatedAt: now, UpdatedAt: now.Add(-time.Hour)})
	if !nexuserr.HasCode(err, nexuserr.CodeWorkflowConflict) {
		t.Errorf("expected CodeWorkflowConflict, got %v", err)
	}
}

func TestSaveCompletion_DedupByCommentID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := types.CompletionRecord{CompletedAgent: "reviewer", CommentID: "c1"}
	tok1, err := s.SaveCompletion(ctx, "7", rec)
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := s.SaveCompletion(ctx, "7", rec)
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != tok2 {
		t.Errorf("dedup token mismatch: %q != %q", tok1, tok2)
	}

	records, err := s.ListCompletions(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 completion, got %d", len(records))
	}
}

func TestSaveCompletion_EmptyCommentIDNeverDedups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := types.CompletionRecord{CompletedAgent: "developer"}
	if _, err := s.SaveCompletion(ctx, "7", rec); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveCompletion(ctx, "7", rec); err != nil {
		t.Fatal(err)
	}

	records, err := s.ListCompletions(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("completions without a comment_id must all persist, got %d", len(records))
	}
}

func TestMapIssue_BlocksWhileActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := s.SaveWorkflow(ctx, &types.Workflow{WorkflowID: "wf-1", State: types.WorkflowRunning, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := s.MapIssue(ctx, "42", "wf-1"); err != nil {
		t.Fatal(err)
	}
	err := s.MapIssue(ctx, "42", "wf-2")
	if !nexuserr.HasCode(err, nexuserr.CodeActiveMappingExists) {
		t.Errorf("expected CodeActiveMappingExists, got %v", err)
	}
}

func TestPendingApproval_SetClearIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPendingApproval(ctx, types.PendingApproval{IssueNumber: "7", WorkflowID: "wf-1", StepNum: 2}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPendingApproval(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.StepNum != 2 {
		t.Errorf("GetPendingApproval() = %+v", got)
	}

	if err := s.ClearPendingApproval(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearPendingApproval(ctx, "7"); err != nil {
		t.Fatalf("ClearPendingApproval should be idempotent: %v", err)
	}
	got, err = s.GetPendingApproval(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil after clear, got %+v", got)
	}
}
