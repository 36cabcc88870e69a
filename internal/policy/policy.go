// Package policy implements the host-side issue discovery, comment
// filtering, PR lookup, and repo resolution helpers the ProcessOrchestrator
// needs but that do not belong in the engine itself. The IssuePlatform
// interface is implemented by the host.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Label is one label attached to a remote issue.
type Label struct {
	Name string
}

// Comment is one remote issue comment.
type Comment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt string
	URL       string
}

// Issue is the subset of remote issue fields the monitor policy needs.
type Issue struct {
	Number string
	Title  string
	Body   string
	State  string
	Labels []Label
}

// PullRequest is a remote pull request linked to an issue.
type PullRequest struct {
	URL   string
	State string
}

// IssuePlatform is the host-provided source of truth for issues,
// comments, and pull requests.
type IssuePlatform interface {
	ListOpenIssues(ctx context.Context, repo string, limit int) ([]Issue, error)
	GetIssue(ctx context.Context, repo, issueNumber string) (*Issue, error)
	GetComments(ctx context.Context, repo, issueNumber string) ([]Comment, error)
	SearchLinkedPRs(ctx context.Context, repo, issueNumber string) ([]PullRequest, error)
}

// WorkflowLabelPrefix marks a remote issue label that selects a
// workflow type, e.g. "workflow:fast-track".
const WorkflowLabelPrefix = "workflow:"

// WorkflowTypeFromLabels returns the raw value of the first label
// carrying the workflow: prefix, or "" if none matches. The value is
// raw — callers normalize it through workflow.NormalizeWorkflowType.
func WorkflowTypeFromLabels(labels []Label) string {
	for _, l := range labels {
		if strings.HasPrefix(l.Name, WorkflowLabelPrefix) {
			return strings.TrimPrefix(l.Name, WorkflowLabelPrefix)
		}
	}
	return ""
}

// MonitorPolicy wraps an IssuePlatform with the filtering and resolution
// rules the orchestrator applies before launching or nudging agents.
type MonitorPolicy struct {
	platform IssuePlatform
}

// New creates a MonitorPolicy over platform.
func New(platform IssuePlatform) *MonitorPolicy {
	return &MonitorPolicy{platform: platform}
}

// ListWorkflowIssueNumbers returns the issue numbers from repo's open
// issues that carry at least one of workflowLabels.
func (p *MonitorPolicy) ListWorkflowIssueNumbers(ctx context.Context, repo string, workflowLabels map[string]struct{}, limit int) ([]string, error) {
	issues, err := p.platform.ListOpenIssues(ctx, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}

	var numbers []string
	for _, issue := range issues {
		for _, label := range issue.Labels {
			if _, ok := workflowLabels[label.Name]; ok {
				numbers = append(numbers, issue.Number)
				break
			}
		}
	}
	return numbers, nil
}

// GetBotComments returns repo/issueNumber's comments authored by botAuthor.
func (p *MonitorPolicy) GetBotComments(ctx context.Context, repo, issueNumber, botAuthor string) ([]Comment, error) {
	comments, err := p.platform.GetComments(ctx, repo, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("get comments: %w", err)
	}

	out := make([]Comment, 0, len(comments))
	for _, c := range comments {
		if c.Author == botAuthor {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindOpenLinkedPR returns the first open pull request linked to
// repo/issueNumber, or nil if none is open.
func (p *MonitorPolicy) FindOpenLinkedPR(ctx context.Context, repo, issueNumber string) (*PullRequest, error) {
	prs, err := p.platform.SearchLinkedPRs(ctx, repo, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("search linked PRs: %w", err)
	}
	for i := range prs {
		if prs[i].State == "open" {
			return &prs[i], nil
		}
	}
	return nil, nil
}

var taskFilePattern = regexp.MustCompile(`\*\*Task File:\*\*\s*` + "`" + `([^` + "`" + `]+)` + "`")

// ResolveRepoForIssue resolves which repository an issue's work actually
// belongs to by reading a "**Task File:** `<path>`" marker out of the
// issue body and matching it against known project workspace roots. It
// falls back to defaultRepo whenever the issue, the marker, or a
// matching workspace can't be found.
func (p *MonitorPolicy) ResolveRepoForIssue(ctx context.Context, issueNumber, defaultRepo string, projectWorkspaces, projectRepos map[string]string) string {
	issue, err := p.platform.GetIssue(ctx, defaultRepo, issueNumber)
	if err != nil || issue == nil {
		return defaultRepo
	}

	match := taskFilePattern.FindStringSubmatch(issue.Body)
	if match == nil {
		return defaultRepo
	}
	taskFile := match[1]

	for project, workspace := range projectWorkspaces {
		if strings.HasPrefix(taskFile, workspace) {
			if repo, ok := projectRepos[project]; ok {
				return repo
			}
			return defaultRepo
		}
	}
	return defaultRepo
}
