// Package storage defines the driver-agnostic persistence contract for
// workflows, completions, and issue mappings. Concrete
// drivers live in the fsstore and sqlstore subpackages.
package storage

import (
	"context"

	"github.com/Ghabs95/nexus-core/internal/types"
)

// Store is the public, driver-agnostic storage contract. Implementations
// MUST guarantee: (a) a successfully returned SaveWorkflow is durable
// before the call returns, (b) concurrent writers never produce a
// partially-updated Workflow as observed by a concurrent reader.
type Store interface {
	// SaveWorkflow persists the Workflow aggregate atomically (all steps
	// updated together). Returns nexuserr.CodeWorkflowConflict if a
	// concurrent writer has already advanced updated_at past w.UpdatedAt.
	SaveWorkflow(ctx context.Context, w *types.Workflow) error

	// LoadWorkflow returns the workflow by id, or
	// nexuserr.CodeWorkflowNotFound if it does not exist, or
	// nexuserr.CodeWorkflowCorrupt if the stored payload cannot be parsed.
	LoadWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error)

	// ListCompletions returns CompletionRecords for issue, newest first.
	ListCompletions(ctx context.Context, issueNumber string) ([]types.CompletionRecord, error)

	// SaveCompletion appends a CompletionRecord and returns a dedup token
	// (the stable id of the stored row). It is a no-op, returning the
	// existing token, if (issueNumber, rec.CommentID) already exists.
	SaveCompletion(ctx context.Context, issueNumber string, rec types.CompletionRecord) (string, error)

	// GetIssueWorkflowID returns the workflow_id mapped to issueNumber, or
	// "" if no mapping exists.
	GetIssueWorkflowID(ctx context.Context, issueNumber string) (string, error)

	// MapIssue maps issueNumber to workflowID. If a mapping already
	// exists and that workflow is not terminal, it returns
	// nexuserr.CodeActiveMappingExists; otherwise the mapping is replaced.
	MapIssue(ctx context.Context, issueNumber, workflowID string) error

	// SetPendingApproval and ClearPendingApproval are idempotent.
	SetPendingApproval(ctx context.Context, approval types.PendingApproval) error
	ClearPendingApproval(ctx context.Context, issueNumber string) error
	GetPendingApproval(ctx context.Context, issueNumber string) (*types.PendingApproval, error)

	// Close releases any held resources (file handles, db connections).
	Close() error
}
