package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Ghabs95/nexus-core/internal/types"
)

func TestRunReconcileAdvancesFromRemoteSignals(t *testing.T) {
	dir := withTempProject(t)

	if err := runCreate(createCmd, []string{"9", "t", "proj", "full", "feature"}); err != nil {
		t.Fatalf("runCreate: %v", err)
	}
	if err := runStart(startCmd, []string{"proj-9-full"}); err != nil {
		t.Fatalf("runStart: %v", err)
	}

	comments := []map[string]string{
		{"id": "c-a", "author": "bot", "body": "## Triage Complete — triage\n\nReady for **@Developer**\n", "created_at": "2026-01-01T00:00:00Z"},
		{"id": "c-b", "author": "bot", "body": "## Implement Complete — developer\n\nReady for **@Reviewer**\n", "created_at": "2026-01-01T01:00:00Z"},
	}
	data, err := json.Marshal(comments)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	commentsPath := filepath.Join(dir, "comments.json")
	if err := os.WriteFile(commentsPath, data, 0644); err != nil {
		t.Fatalf("writing comments fixture: %v", err)
	}

	reconcileCommentsFile = commentsPath
	t.Cleanup(func() { reconcileCommentsFile = "" })

	if err := runReconcile(reconcileCmd, []string{"9", "proj"}); err != nil {
		t.Fatalf("runReconcile: %v", err)
	}

	a, err := buildApp(dir)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	status, err := a.engine.GetWorkflowStatus(context.Background(), "9")
	if err != nil {
		t.Fatalf("GetWorkflowStatus: %v", err)
	}
	if status.State != types.WorkflowRunning || status.CurrentAgent != "reviewer" {
		t.Fatalf("expected running/reviewer after reconciling both signals, got state=%s agent=%s", status.State, status.CurrentAgent)
	}
}
