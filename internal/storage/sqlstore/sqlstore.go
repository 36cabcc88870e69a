// Package sqlstore is the relational storage driver: Workflow, its Steps,
// Completions, issue mappings and pending approvals live in five tables,
// with a (issue_number, comment_id)
// unique constraint providing completion dedup. Driver is
// modernc.org/sqlite, pure Go, so the binary stays cgo-free.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// Store is the SQLite-backed storage.Store implementation.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) a SQLite database at path and runs
// migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "opening sqlite database", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// storms under concurrent engine access.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "connecting to sqlite database", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "configuring sqlite pragma: "+p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT PRIMARY KEY,
			issue_number TEXT NOT NULL,
			project_key TEXT,
			workflow_type TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step INTEGER,
			active_agent_type TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_issue ON workflows(issue_number)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			workflow_id TEXT NOT NULL,
			step_num INTEGER NOT NULL,
			name TEXT NOT NULL,
			agent_json TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			outputs_json TEXT,
			error TEXT,
			retry_count INTEGER DEFAULT 0,
			effective_max_retries INTEGER DEFAULT 0,
			backoff_strategy TEXT,
			initial_delay_seconds INTEGER DEFAULT 0,
			approval_required INTEGER DEFAULT 0,
			approvers_json TEXT,
			approval_timeout_seconds INTEGER DEFAULT 0,
			router_json TEXT,
			PRIMARY KEY (workflow_id, step_num),
			FOREIGN KEY (workflow_id) REFERENCES workflows(workflow_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS completions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue_number TEXT NOT NULL,
			completed_agent TEXT NOT NULL,
			next_agent TEXT,
			summary TEXT,
			key_findings_json TEXT,
			comment_id TEXT,
			source TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (issue_number, comment_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_issue ON completions(issue_number)`,
		`CREATE TABLE IF NOT EXISTS issue_mappings (
			issue_number TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_approvals (
			issue_number TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			step_num INTEGER NOT NULL,
			agent_name TEXT,
			approvers_json TEXT,
			expires_at TEXT
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "running migration", err)
		}
	}
	return nil
}

// SaveWorkflow implements storage.Store. Workflow + all steps are replaced
// within a single transaction so a concurrent reader never sees a
// partially-updated aggregate.
func (s *Store) SaveWorkflow(ctx context.Context, w *types.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "beginning transaction", err)
	}
	defer tx.Rollback()

	var existingUpdatedAt sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT updated_at FROM workflows WHERE workflow_id = ?`, w.WorkflowID).Scan(&existingUpdatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "checking existing workflow", err)
	}
	if err == nil && existingUpdatedAt.Valid {
		existing, parseErr := time.Parse(time.RFC3339Nano, existingUpdatedAt.String)
		if parseErr == nil && existing.After(w.UpdatedAt) {
			return nexuserr.WorkflowConflict(w.WorkflowID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, issue_number, project_key, workflow_type, state, current_step, active_agent_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			issue_number = excluded.issue_number,
			project_key = excluded.project_key,
			workflow_type = excluded.workflow_type,
			state = excluded.state,
			current_step = excluded.current_step,
			active_agent_type = excluded.active_agent_type,
			updated_at = excluded.updated_at
	`, w.WorkflowID, w.IssueNumber, w.ProjectKey, w.WorkflowType, string(w.State), w.CurrentStep, w.ActiveAgentType,
		w.CreatedAt.Format(time.RFC3339Nano), w.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "upserting workflow", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, w.WorkflowID); err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "clearing steps", err)
	}

	for _, step := range w.Steps {
		agentJSON, _ := json.Marshal(step.Agent)
		outputsJSON, _ := json.Marshal(step.Outputs)
		approversJSON, _ := json.Marshal(step.Approvers)
		routerJSON, _ := json.Marshal(step.Router)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps (
				workflow_id, step_num, name, agent_json, status, started_at, completed_at,
				outputs_json, error, retry_count, effective_max_retries, backoff_strategy,
				initial_delay_seconds, approval_required, approvers_json, approval_timeout_seconds, router_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, w.WorkflowID, step.StepNum, step.Name, string(agentJSON), string(step.Status),
			formatTime(step.StartedAt), formatTime(step.CompletedAt),
			string(outputsJSON), step.Error, step.RetryCount, step.EffectiveMaxRetries, string(step.BackoffStrategy),
			step.InitialDelaySeconds, boolToInt(step.ApprovalRequired), string(approversJSON), step.ApprovalTimeoutSeconds, string(routerJSON))
		if err != nil {
			return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "inserting step", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "committing transaction", err)
	}
	return nil
}

// LoadWorkflow implements storage.Store.
func (s *Store) LoadWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	var w types.Workflow
	var projectKey, activeAgentType sql.NullString
	var currentStep sql.NullInt64
	var createdAt, updatedAt string
	var state string

	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, issue_number, project_key, workflow_type, state, current_step, active_agent_type, created_at, updated_at
		FROM workflows WHERE workflow_id = ?
	`, workflowID).Scan(&w.WorkflowID, &w.IssueNumber, &projectKey, &w.WorkflowType, &state, &currentStep, &activeAgentType, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nexuserr.WorkflowNotFound(workflowID)
	}
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "loading workflow", err)
	}

	w.State = types.WorkflowState(state)
	w.ProjectKey = projectKey.String
	w.ActiveAgentType = activeAgentType.String
	if currentStep.Valid {
		v := int(currentStep.Int64)
		w.CurrentStep = &v
	}
	if w.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, nexuserr.WorkflowCorrupt(workflowID, err)
	}
	if w.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, nexuserr.WorkflowCorrupt(workflowID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_num, name, agent_json, status, started_at, completed_at, outputs_json, error,
			retry_count, effective_max_retries, backoff_strategy, initial_delay_seconds,
			approval_required, approvers_json, approval_timeout_seconds, router_json
		FROM workflow_steps WHERE workflow_id = ? ORDER BY step_num ASC
	`, workflowID)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "loading steps", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step types.WorkflowStep
		var agentJSON, outputsJSON, approversJSON, routerJSON sql.NullString
		var startedAt, completedAt sql.NullString
		var status, backoff string
		var approvalRequired int

		if err := rows.Scan(&step.StepNum, &step.Name, &agentJSON, &status, &startedAt, &completedAt,
			&outputsJSON, &step.Error, &step.RetryCount, &step.EffectiveMaxRetries, &backoff,
			&step.InitialDelaySeconds, &approvalRequired, &approversJSON, &step.ApprovalTimeoutSeconds, &routerJSON); err != nil {
			return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "scanning step", err)
		}

		step.Status = types.StepStatus(status)
		step.BackoffStrategy = types.BackoffStrategy(backoff)
		step.ApprovalRequired = approvalRequired != 0
		if agentJSON.Valid {
			json.Unmarshal([]byte(agentJSON.String), &step.Agent)
		}
		if outputsJSON.Valid && outputsJSON.String != "" {
			json.Unmarshal([]byte(outputsJSON.String), &step.Outputs)
		}
		if approversJSON.Valid && approversJSON.String != "" {
			json.Unmarshal([]byte(approversJSON.String), &step.Approvers)
		}
		if routerJSON.Valid && routerJSON.String != "" {
			json.Unmarshal([]byte(routerJSON.String), &step.Router)
		}
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
			step.StartedAt = &t
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			step.CompletedAt = &t
		}

		w.Steps = append(w.Steps, step)
	}

	return &w, nil
}

// ListCompletions implements storage.Store, newest first.
func (s *Store) ListCompletions(ctx context.Context, issueNumber string) ([]types.CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT completed_agent, next_agent, summary, key_findings_json, comment_id, source, created_at
		FROM completions WHERE issue_number = ? ORDER BY created_at DESC
	`, issueNumber)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "listing completions", err)
	}
	defer rows.Close()

	var out []types.CompletionRecord
	for rows.Next() {
		var rec types.CompletionRecord
		var nextAgent, summary, findingsJSON, commentID sql.NullString
		var createdAt, source string

		if err := rows.Scan(&rec.CompletedAgent, &nextAgent, &summary, &findingsJSON, &commentID, &source, &createdAt); err != nil {
			return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "scanning completion", err)
		}
		rec.IssueNumber = issueNumber
		rec.NextAgent = nextAgent.String
		rec.Summary = summary.String
		rec.CommentID = commentID.String
		rec.Source = types.CompletionSource(source)
		if findingsJSON.Valid && findingsJSON.String != "" {
			json.Unmarshal([]byte(findingsJSON.String), &rec.KeyFindings)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, nil
}

// SaveCompletion implements storage.Store.
func (s *Store) SaveCompletion(ctx context.Context, issueNumber string, rec types.CompletionRecord) (string, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	findingsJSON, _ := json.Marshal(rec.KeyFindings)

	// An empty comment_id is stored as NULL: NULLs are distinct under the
	// unique index, so only non-empty comment_ids dedup.
	var commentID any
	if rec.CommentID != "" {
		commentID = rec.CommentID
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (issue_number, completed_agent, next_agent, summary, key_findings_json, comment_id, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (issue_number, comment_id) DO NOTHING
	`, issueNumber, rec.CompletedAgent, rec.NextAgent, rec.Summary, string(findingsJSON), commentID, string(rec.Source), rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "inserting completion", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		// Dedup hit: look up the existing row's id.
		var id int64
		err := s.db.QueryRowContext(ctx, `SELECT id FROM completions WHERE issue_number = ? AND comment_id = ?`, issueNumber, rec.CommentID).Scan(&id)
		if err != nil {
			return "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "looking up deduped completion", err)
		}
		return fmt.Sprintf("%d", id), nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "reading inserted completion id", err)
	}
	return fmt.Sprintf("%d", id), nil
}

// GetIssueWorkflowID implements storage.Store.
func (s *Store) GetIssueWorkflowID(ctx context.Context, issueNumber string) (string, error) {
	var workflowID string
	err := s.db.QueryRowContext(ctx, `SELECT workflow_id FROM issue_mappings WHERE issue_number = ?`, issueNumber).Scan(&workflowID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "loading issue mapping", err)
	}
	return workflowID, nil
}

// MapIssue implements storage.Store.
func (s *Store) MapIssue(ctx context.Context, issueNumber, workflowID string) error {
	existing, err := s.GetIssueWorkflowID(ctx, issueNumber)
	if err != nil {
		return err
	}
	if existing != "" {
		wf, err := s.LoadWorkflow(ctx, existing)
		if err == nil && !wf.State.IsTerminal() {
			return nexuserr.ActiveMappingExists(issueNumber, existing)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issue_mappings (issue_number, workflow_id) VALUES (?, ?)
		ON CONFLICT (issue_number) DO UPDATE SET workflow_id = excluded.workflow_id
	`, issueNumber, workflowID)
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "mapping issue", err)
	}
	return nil
}

// SetPendingApproval implements storage.Store.
func (s *Store) SetPendingApproval(ctx context.Context, approval types.PendingApproval) error {
	approversJSON, _ := json.Marshal(approval.Approvers)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (issue_number, workflow_id, step_num, agent_name, approvers_json, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (issue_number) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			step_num = excluded.step_num,
			agent_name = excluded.agent_name,
			approvers_json = excluded.approvers_json,
			expires_at = excluded.expires_at
	`, approval.IssueNumber, approval.WorkflowID, approval.StepNum, approval.AgentName, string(approversJSON), formatTime(approval.ExpiresAt))
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "setting pending approval", err)
	}
	return nil
}

// ClearPendingApproval implements storage.Store; idempotent.
func (s *Store) ClearPendingApproval(ctx context.Context, issueNumber string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_approvals WHERE issue_number = ?`, issueNumber)
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "clearing pending approval", err)
	}
	return nil
}

// GetPendingApproval implements storage.Store.
func (s *Store) GetPendingApproval(ctx context.Context, issueNumber string) (*types.PendingApproval, error) {
	var approval types.PendingApproval
	var agentName, approversJSON, expiresAt sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step_num, agent_name, approvers_json, expires_at FROM pending_approvals WHERE issue_number = ?
	`, issueNumber).Scan(&approval.WorkflowID, &approval.StepNum, &agentName, &approversJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "loading pending approval", err)
	}

	approval.IssueNumber = issueNumber
	approval.AgentName = agentName.String
	if approversJSON.Valid && approversJSON.String != "" {
		json.Unmarshal([]byte(approversJSON.String), &approval.Approvers)
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		approval.ExpiresAt = &t
	}
	return &approval, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
