package policy

import (
	"context"
	"testing"
)

type fakePlatform struct {
	issues     []Issue
	comments   map[string][]Comment
	prs        map[string][]PullRequest
	issueByNum map[string]*Issue
}

func (f *fakePlatform) ListOpenIssues(ctx context.Context, repo string, limit int) ([]Issue, error) {
	return f.issues, nil
}

func (f *fakePlatform) GetIssue(ctx context.Context, repo, issueNumber string) (*Issue, error) {
	return f.issueByNum[issueNumber], nil
}

func (f *fakePlatform) GetComments(ctx context.Context, repo, issueNumber string) ([]Comment, error) {
	return f.comments[issueNumber], nil
}

func (f *fakePlatform) SearchLinkedPRs(ctx context.Context, repo, issueNumber string) ([]PullRequest, error) {
	return f.prs[issueNumber], nil
}

func TestListWorkflowIssueNumbers_FiltersByLabel(t *testing.T) {
	platform := &fakePlatform{
		issues: []Issue{
			{Number: "1", Labels: []Label{{Name: "workflow:full"}}},
			{Number: "2", Labels: []Label{{Name: "bug"}}},
			{Number: "3", Labels: []Label{{Name: "workflow:hotfix"}}},
		},
	}
	p := New(platform)

	nums, err := p.ListWorkflowIssueNumbers(context.Background(), "repo", map[string]struct{}{
		"workflow:full":   {},
		"workflow:hotfix": {},
	}, 100)
	if err != nil {
		t.Fatalf("ListWorkflowIssueNumbers: %v", err)
	}
	if len(nums) != 2 || nums[0] != "1" || nums[1] != "3" {
		t.Fatalf("unexpected issue numbers: %v", nums)
	}
}

func TestWorkflowTypeFromLabels_FirstMatchWins(t *testing.T) {
	labels := []Label{
		{Name: "bug"},
		{Name: "workflow:fast_track"},
		{Name: "workflow:full"},
	}
	if got := WorkflowTypeFromLabels(labels); got != "fast_track" {
		t.Fatalf("WorkflowTypeFromLabels = %q, want fast_track", got)
	}
	if got := WorkflowTypeFromLabels([]Label{{Name: "bug"}}); got != "" {
		t.Fatalf("expected empty for no workflow label, got %q", got)
	}
}

func TestGetBotComments_FiltersByAuthor(t *testing.T) {
	platform := &fakePlatform{
		comments: map[string][]Comment{
			"5": {
				{ID: "a", Author: "nexus-bot"},
				{ID: "b", Author: "human"},
			},
		},
	}
	p := New(platform)

	comments, err := p.GetBotComments(context.Background(), "repo", "5", "nexus-bot")
	if err != nil {
		t.Fatalf("GetBotComments: %v", err)
	}
	if len(comments) != 1 || comments[0].ID != "a" {
		t.Fatalf("expected only the bot comment to survive, got %v", comments)
	}
}

func TestFindOpenLinkedPR_ReturnsFirstOpen(t *testing.T) {
	platform := &fakePlatform{
		prs: map[string][]PullRequest{
			"5": {
				{URL: "pr1", State: "closed"},
				{URL: "pr2", State: "open"},
			},
		},
	}
	p := New(platform)

	pr, err := p.FindOpenLinkedPR(context.Background(), "repo", "5")
	if err != nil {
		t.Fatalf("FindOpenLinkedPR: %v", err)
	}
	if pr == nil || pr.URL != "pr2" {
		t.Fatalf("expected pr2 to be the open PR, got %v", pr)
	}
}

func TestFindOpenLinkedPR_NoneOpenReturnsNil(t *testing.T) {
	platform := &fakePlatform{
		prs: map[string][]PullRequest{
			"5": {{URL: "pr1", State: "closed"}},
		},
	}
	p := New(platform)

	pr, err := p.FindOpenLinkedPR(context.Background(), "repo", "5")
	if err != nil {
		t.Fatalf("FindOpenLinkedPR: %v", err)
	}
	if pr != nil {
		t.Fatalf("expected nil when no PR is open, got %v", pr)
	}
}

func TestResolveRepoForIssue_MatchesTaskFileWorkspace(t *testing.T) {
	platform := &fakePlatform{
		issueByNum: map[string]*Issue{
			"5": {Number: "5", Body: "**Task File:** `/workspaces/alpha/tasks/1.md`"},
		},
	}
	p := New(platform)

	repo := p.ResolveRepoForIssue(context.Background(), "5", "default/repo",
		map[string]string{"alpha": "/workspaces/alpha"},
		map[string]string{"alpha": "org/alpha-repo"},
	)
	if repo != "org/alpha-repo" {
		t.Fatalf("expected resolved repo org/alpha-repo, got %s", repo)
	}
}

func TestResolveRepoForIssue_FallsBackWithoutTaskFileMarker(t *testing.T) {
	platform := &fakePlatform{
		issueByNum: map[string]*Issue{
			"5": {Number: "5", Body: "no marker here"},
		},
	}
	p := New(platform)

	repo := p.ResolveRepoForIssue(context.Background(), "5", "default/repo", nil, nil)
	if repo != "default/repo" {
		t.Fatalf("expected fallback to default repo, got %s", repo)
	}
}
