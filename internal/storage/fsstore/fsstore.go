// Package fsstore is the filesystem storage driver: each Workflow is a
// single JSON document under workflows/<workflow_id>.json, replaced with
// a rename-after-write discipline so a concurrent reader never observes a
// partially-written file. Per-workflow mutation is serialized with an
// advisory flock.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// Store is the filesystem-backed storage.Store implementation.
type Store struct {
	dir string // base directory; workflows/, completions/, mappings.json, pending_approvals.json live under it

	// mu serializes the issue-mapping and pending-approval index files,
	// which (unlike per-workflow documents) have no natural per-key lock.
	mu sync.Mutex
}

// New creates a Store rooted at dir, creating the subdirectories it needs.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"workflows", "completions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "creating storage directory", err)
		}
	}
	s := &Store{dir: dir}
	if err := recoverInterruptedWrites(filepath.Join(dir, "workflows")); err != nil {
		return nil, err
	}
	return s, nil
}

func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "scanning for interrupted writes", err)
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			os.Remove(tmpPath)
		} else {
			os.Rename(tmpPath, mainPath)
		}
	}
	return nil
}

func (s *Store) workflowPath(workflowID string) string {
	return filepath.Join(s.dir, "workflows", workflowID+".json")
}

func (s *Store) lockPath(workflowID string) string {
	return filepath.Join(s.dir, "workflows", workflowID+".json.lock")
}

// withWorkflowLock holds an exclusive advisory flock on workflowID's lock
// file for the duration of fn, guaranteeing a concurrent writer cannot
// interleave with this one.
func (s *Store) withWorkflowLock(workflowID string, fn func() error) error {
	lockFile, err := os.OpenFile(s.lockPath(workflowID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "opening workflow lock", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "acquiring workflow lock", err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	return fn()
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "writing temp file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "renaming temp file", err)
	}
	return nil
}

// SaveWorkflow implements storage.Store.
func (s *Store) SaveWorkflow(ctx context.Context, w *types.Workflow) error {
	return s.withWorkflowLock(w.WorkflowID, func() error {
		existing, err := s.readWorkflowLocked(w.WorkflowID)
		if err == nil && existing.UpdatedAt.After(w.UpdatedAt) {
			return nexuserr.WorkflowConflict(w.WorkflowID)
		}

		data, err := json.MarshalIndent(w, "", "  ")
		if err != nil {
			return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "marshaling workflow", err)
		}
		return writeAtomic(s.workflowPath(w.WorkflowID), data)
	})
}

func (s *Store) readWorkflowLocked(workflowID string) (*types.Workflow, error) {
	data, err := os.ReadFile(s.workflowPath(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nexuserr.WorkflowNotFound(workflowID)
		}
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "reading workflow", err)
	}
	var w types.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, nexuserr.WorkflowCorrupt(workflowID, err)
	}
	return &w, nil
}

// LoadWorkflow implements storage.Store.
func (s *Store) LoadWorkflow(ctx context.Context, workflowID string) (*types.Workflow, error) {
	var w *types.Workflow
	err := s.withWorkflowLock(workflowID, func() error {
		var err error
		w, err = s.readWorkflowLocked(workflowID)
		return err
	})
	return w, err
}

func (s *Store) completionsDir(issueNumber string) string {
	return filepath.Join(s.dir, "completions", issueNumber)
}

// readCompletionsLocked returns the issue's completion records paired
// with the sequence filename each was read from, in directory order.
func (s *Store) readCompletionsLocked(issueNumber string) ([]types.CompletionRecord, []string, error) {
	entries, err := os.ReadDir(s.completionsDir(issueNumber))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "reading completions", err)
	}

	var records []types.CompletionRecord
	var names []string
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.completionsDir(issueNumber), entry.Name()))
		if err != nil {
			return nil, nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "reading completion record", err)
		}
		var rec types.CompletionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "parsing completion record", err)
		}
		records = append(records, rec)
		names = append(names, entry.Name())
	}
	return records, names, nil
}

// ListCompletions implements storage.Store.
func (s *Store) ListCompletions(ctx context.Context, issueNumber string) ([]types.CompletionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, _, err := s.readCompletionsLocked(issueNumber)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return records, nil
}

// SaveCompletion implements storage.Store. Each record is one
// completions/<issue>/<sequence>.json document; the dedup token is the
// issue-qualified sequence name of the stored row.
func (s *Store) SaveCompletion(ctx context.Context, issueNumber string, rec types.CompletionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, names, err := s.readCompletionsLocked(issueNumber)
	if err != nil {
		return "", err
	}

	if rec.CommentID != "" {
		for i, existing := range records {
			if existing.CommentID == rec.CommentID {
				return dedupToken(issueNumber, names[i]), nil
			}
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(s.completionsDir(issueNumber), 0o755); err != nil {
		return "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "creating completions directory", err)
	}

	seq := 1
	for _, name := range names {
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err == nil && n >= seq {
			seq = n + 1
		}
	}
	name := fmt.Sprintf("%06d.json", seq)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "marshaling completion record", err)
	}
	if err := writeAtomic(filepath.Join(s.completionsDir(issueNumber), name), data); err != nil {
		return "", err
	}
	return dedupToken(issueNumber, name), nil
}

func dedupToken(issueNumber, name string) string {
	return issueNumber + "/" + strings.TrimSuffix(name, ".json")
}

func (s *Store) mappingsPath() string {
	return filepath.Join(s.dir, "mappings.json")
}

func (s *Store) approvalsPath() string {
	return filepath.Join(s.dir, "pending_approvals.json")
}

func readJSONMap[V any](path string) (map[string]V, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]V{}, nil
		}
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "reading "+filepath.Base(path), err)
	}
	var m map[string]V
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "parsing "+filepath.Base(path), err)
	}
	if m == nil {
		m = map[string]V{}
	}
	return m, nil
}

func writeJSONMap[V any](path string, m map[string]V) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "marshaling "+filepath.Base(path), err)
	}
	return writeAtomic(path, data)
}

// GetIssueWorkflowID implements storage.Store.
func (s *Store) GetIssueWorkflowID(ctx context.Context, issueNumber string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := readJSONMap[string](s.mappingsPath())
	if err != nil {
		return "", err
	}
	return mappings[issueNumber], nil
}

// MapIssue implements storage.Store.
func (s *Store) MapIssue(ctx context.Context, issueNumber, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := readJSONMap[string](s.mappingsPath())
	if err != nil {
		return err
	}

	if existing := mappings[issueNumber]; existing != "" {
		wf, err := s.readWorkflowLocked(existing)
		if err == nil && !wf.State.IsTerminal() {
			return nexuserr.ActiveMappingExists(issueNumber, existing)
		}
	}

	mappings[issueNumber] = workflowID
	return writeJSONMap(s.mappingsPath(), mappings)
}

// SetPendingApproval implements storage.Store.
func (s *Store) SetPendingApproval(ctx context.Context, approval types.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := readJSONMap[types.PendingApproval](s.approvalsPath())
	if err != nil {
		return err
	}
	approvals[approval.IssueNumber] = approval
	return writeJSONMap(s.approvalsPath(), approvals)
}

// ClearPendingApproval implements storage.Store.
func (s *Store) ClearPendingApproval(ctx context.Context, issueNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := readJSONMap[types.PendingApproval](s.approvalsPath())
	if err != nil {
		return err
	}
	delete(approvals, issueNumber)
	return writeJSONMap(s.approvalsPath(), approvals)
}

// GetPendingApproval implements storage.Store.
func (s *Store) GetPendingApproval(ctx context.Context, issueNumber string) (*types.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	approvals, err := readJSONMap[types.PendingApproval](s.approvalsPath())
	if err != nil {
		return nil, err
	}
	approval, ok := approvals[issueNumber]
	if !ok {
		return nil, nil
	}
	return &approval, nil
}

// Close is a no-op; the filesystem driver holds no persistent handles.
func (s *Store) Close() error {
	return nil
}
