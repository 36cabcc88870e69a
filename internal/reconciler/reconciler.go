package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Ghabs95/nexus-core/internal/engine"
	"github.com/Ghabs95/nexus-core/internal/eventbus"
	"github.com/Ghabs95/nexus-core/internal/storage"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// CommentsProvider fetches remote comments for an issue (the relevant
// slice of the host's IssuePlatform).
type CommentsProvider interface {
	GetComments(ctx context.Context, issueNumber string, since time.Time) ([]Comment, error)
}

// Reconciler rebuilds workflow position from remote structured
// completion signals.
type Reconciler struct {
	engine *engine.Engine
	store  storage.Store
	bus    *eventbus.EventBus
	logger *slog.Logger
}

// New creates a Reconciler.
func New(e *engine.Engine, store storage.Store, bus *eventbus.EventBus, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{engine: e, store: store, bus: bus, logger: logger}
}

// Result is the summary ReconcileIssueFromSignals returns.
type Result struct {
	OK               bool
	SignalsScanned   int
	SignalsApplied   int
	CompletionSeeded bool
	State            types.WorkflowState
	CurrentStep      int
	CurrentAgent     string
}

// ReconcileIssueFromSignals realigns local state with remote truth:
// fetch remote comments, parse structured completion signals,
// temporarily resume a paused workflow for replay, apply each signal
// in order via ReplayCompletionForIssue (idempotent by comment_id,
// records saved with source=reconciled), and seed a CompletionRecord
// anchor when signals exist but the local workflow is missing.
func (r *Reconciler) ReconcileIssueFromSignals(ctx context.Context, issueNumber, projectKey string, provider CommentsProvider) (Result, error) {
	comments, err := provider.GetComments(ctx, issueNumber, time.Time{})
	if err != nil {
		return Result{}, err
	}

	signals := ParseSignals(comments)
	result := Result{OK: true, SignalsScanned: len(signals)}
	if len(signals) == 0 {
		return result, nil
	}

	wasPaused := false
	if status, err := r.engine.GetWorkflowStatus(ctx, issueNumber); err == nil && status != nil && status.State == types.WorkflowPaused {
		wasPaused = true
		if err := r.engine.ResumeWorkflow(ctx, issueNumber); err != nil {
			return Result{}, err
		}
	}

	applied := 0
	for _, sig := range signals {
		outputs := map[string]any{"status": "success"}
		if sig.NextAgent != "" {
			outputs["next_agent"] = sig.NextAgent
		}
		if sig.Summary != "" {
			outputs["summary"] = sig.Summary
		}
		if len(sig.KeyFindings) > 0 {
			outputs["key_findings"] = sig.KeyFindings
		}

		before, _ := r.engine.GetWorkflowStatus(ctx, issueNumber)
		wf, err := r.engine.ReplayCompletionForIssue(ctx, issueNumber, sig.CompletedAgent, outputs, sig.CommentID)
		if err != nil {
			r.logger.Warn("reconcile: applying signal failed",
				"issue_number", issueNumber,
				"completed_agent", sig.CompletedAgent,
				"comment_id", sig.CommentID,
				"error", err,
			)
			continue
		}
		if wf == nil {
			// No local workflow to advance; the anchor-seeding path below
			// handles this when nothing else applies either.
			continue
		}
		after, _ := r.engine.GetWorkflowStatus(ctx, issueNumber)
		if before == nil || after == nil || before.CurrentStep != after.CurrentStep || before.State != after.State {
			applied++
		}
	}
	result.SignalsApplied = applied

	// Seed a resumption anchor only when the local workflow genuinely
	// does not exist — an idempotent re-run against a healthy workflow
	// also applies zero signals (every one hits the comment-id dedup)
	// and must not be reported as drift.
	status, err := r.engine.GetWorkflowStatus(ctx, issueNumber)
	if err != nil {
		return Result{}, err
	}
	if applied == 0 && status == nil {
		last := signals[len(signals)-1]
		rec := types.CompletionRecord{
			IssueNumber:    issueNumber,
			CompletedAgent: last.CompletedAgent,
			NextAgent:      last.NextAgent,
			Summary:        last.Summary,
			KeyFindings:    last.KeyFindings,
			CommentID:      last.CommentID,
			Source:         types.SourceReconciled,
		}
		if _, err := r.store.SaveCompletion(ctx, issueNumber, rec); err != nil {
			return Result{}, err
		}
		result.CompletionSeeded = true
		r.bus.Emit(eventbus.NewEvent(eventbus.TypeSystemAlert, "", map[string]any{
			"severity":     string(eventbus.SeverityWarning),
			"issue_number": issueNumber,
			"drift_flag":   "workflow_state_missing",
		}))
	}

	if wasPaused {
		if err := r.engine.PauseWorkflow(ctx, issueNumber, "re-paused after reconciliation replay"); err != nil {
			return Result{}, err
		}
	}

	status, err = r.engine.GetWorkflowStatus(ctx, issueNumber)
	if err != nil {
		return Result{}, err
	}
	if status != nil {
		result.State = status.State
		result.CurrentStep = status.CurrentStep
		result.CurrentAgent = status.CurrentAgent
	}
	return result, nil
}

// Snapshot merges three truths for a single issue — live workflow
// status, the latest local CompletionRecord, and the latest remote
// comment signal — flagging pairwise disagreements.
// Consumers render this to humans; the reconciler is the only
// component permitted to act on what it reveals.
type Snapshot struct {
	IssueNumber       string
	WorkflowState     types.WorkflowState
	WorkflowStep      int
	WorkflowAgent     string
	LocalCompletedBy  string
	RemoteCompletedBy string
	RemoteNextAgent   string
	DriftFlags        []string
}

const (
	DriftWorkflowVsLocal      = "workflow_vs_local"
	DriftWorkflowVsComment    = "workflow_vs_comment"
	DriftLocalVsComment       = "local_vs_comment"
	DriftWorkflowStateMissing = "workflow_state_missing"
)

// BuildWorkflowSnapshot assembles a Snapshot for issueNumber without
// mutating anything.
func (r *Reconciler) BuildWorkflowSnapshot(ctx context.Context, issueNumber string, provider CommentsProvider) (Snapshot, error) {
	snap := Snapshot{IssueNumber: issueNumber}

	status, err := r.engine.GetWorkflowStatus(ctx, issueNumber)
	if err != nil {
		return Snapshot{}, err
	}
	if status == nil {
		snap.DriftFlags = append(snap.DriftFlags, DriftWorkflowStateMissing)
	} else {
		snap.WorkflowState = status.State
		snap.WorkflowStep = status.CurrentStep
		snap.WorkflowAgent = status.CurrentAgent
	}

	completions, err := r.store.ListCompletions(ctx, issueNumber)
	if err != nil {
		return Snapshot{}, err
	}
	if len(completions) > 0 {
		snap.LocalCompletedBy = completions[0].CompletedAgent
	}

	var lastSignal Signal
	haveSignal := false
	if provider != nil {
		comments, err := provider.GetComments(ctx, issueNumber, time.Time{})
		if err == nil {
			signals := ParseSignals(comments)
			if len(signals) > 0 {
				lastSignal = signals[len(signals)-1]
				haveSignal = true
				snap.RemoteCompletedBy = lastSignal.CompletedAgent
				snap.RemoteNextAgent = lastSignal.NextAgent
			}
		}
	}

	// The workflow's currently-running agent matching the last locally
	// completed agent means the step believed RUNNING already has a
	// completion recorded against it — a genuine inconsistency, not the
	// normal case (normally the running agent is the one AFTER the last
	// completion).
	if status != nil && snap.WorkflowAgent != "" && snap.LocalCompletedBy != "" && snap.WorkflowAgent == snap.LocalCompletedBy {
		snap.DriftFlags = append(snap.DriftFlags, DriftWorkflowVsLocal)
	}
	if status != nil && haveSignal && snap.WorkflowAgent != "" && snap.WorkflowAgent == lastSignal.CompletedAgent {
		snap.DriftFlags = append(snap.DriftFlags, DriftWorkflowVsComment)
	}
	if haveSignal && snap.LocalCompletedBy != "" && snap.LocalCompletedBy != lastSignal.CompletedAgent {
		snap.DriftFlags = append(snap.DriftFlags, DriftLocalVsComment)
	}

	return snap, nil
}
