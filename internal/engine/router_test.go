package engine

import (
	"testing"

	"github.com/Ghabs95/nexus-core/internal/types"
)

func TestRouterEvaluate_FirstSatisfiedBranchWins(t *testing.T) {
	r := NewRouter()
	branches := []types.RouterBranch{
		{Predicate: "score > 80", NextStep: 5},
		{Predicate: "score > 50", NextStep: 4},
		{NextStep: 3, Default: true},
	}

	next, err := r.Evaluate(branches, map[string]any{"score": 90})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if next != 5 {
		t.Fatalf("expected the first satisfied branch (5), got %d", next)
	}

	next, err = r.Evaluate(branches, map[string]any{"score": 60})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if next != 4 {
		t.Fatalf("expected the second branch (4) when the first fails, got %d", next)
	}
}

func TestRouterEvaluate_FallsBackToDefault(t *testing.T) {
	r := NewRouter()
	branches := []types.RouterBranch{
		{Predicate: "score > 80", NextStep: 5},
		{NextStep: 3, Default: true},
	}

	next, err := r.Evaluate(branches, map[string]any{"score": 10})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if next != 3 {
		t.Fatalf("expected the default branch (3), got %d", next)
	}
}

func TestRouterEvaluate_NoDefaultIsAnError(t *testing.T) {
	r := NewRouter()
	branches := []types.RouterBranch{
		{Predicate: "score > 80", NextStep: 5},
	}

	if _, err := r.Evaluate(branches, map[string]any{"score": 10}); err == nil {
		t.Fatal("expected an error when no branch matches and there is no default")
	}
}

func TestRouterEvaluate_CachesCompiledPredicate(t *testing.T) {
	r := NewRouter()
	branches := []types.RouterBranch{
		{Predicate: "ready == true", NextStep: 2},
		{NextStep: 1, Default: true},
	}

	for i := 0; i < 3; i++ {
		next, err := r.Evaluate(branches, map[string]any{"ready": true})
		if err != nil {
			t.Fatalf("Evaluate iteration %d: %v", i, err)
		}
		if next != 2 {
			t.Fatalf("iteration %d: expected 2, got %d", i, next)
		}
	}
	if len(r.cache) != 1 {
		t.Fatalf("expected exactly one compiled predicate cached, got %d", len(r.cache))
	}
}

func TestMergedOutputs_LaterStepsOverrideEarlier(t *testing.T) {
	wf := &types.Workflow{
		Steps: []types.WorkflowStep{
			{StepNum: 1, Outputs: map[string]any{"a": 1, "b": 1}},
			{StepNum: 2, Outputs: map[string]any{"b": 2}},
		},
	}
	env := mergedOutputs(wf)
	if env["a"] != 1 {
		t.Fatalf("expected a=1, got %v", env["a"])
	}
	if env["b"] != 2 {
		t.Fatalf("expected later step to override b, got %v", env["b"])
	}
}
