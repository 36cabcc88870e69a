// Package monitor implements the process orchestrator: stuck-agent detection via log mtime, kill escalation,
// a per-(issue, agent_type) sliding-window retry fuse, and process
// liveness queries. Registry persistence uses the same
// rename-after-write discipline as fsstore.
package monitor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

type registryFile struct {
	Launches map[string]types.LaunchRecord `json:"launches"` // keyed by issue_number
	Fuses    map[string]types.RetryFuse    `json:"fuses"`    // keyed by "issue_number|agent_type"
}

// Registry persists LaunchRegistry rows and fuse state across restarts.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry creates a Registry backed by a single JSON file under
// stateDir.
func NewRegistry(stateDir string) (*Registry, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "creating monitor state dir", err)
	}
	return &Registry{path: filepath.Join(stateDir, "launch_registry.json")}, nil
}

func fuseKey(issueNumber, agentType string) string {
	return issueNumber + "|" + agentType
}

func (r *Registry) readLocked() (*registryFile, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &registryFile{Launches: map[string]types.LaunchRecord{}, Fuses: map[string]types.RetryFuse{}}, nil
		}
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "reading launch registry", err)
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "parsing launch registry", err)
	}
	if rf.Launches == nil {
		rf.Launches = map[string]types.LaunchRecord{}
	}
	if rf.Fuses == nil {
		rf.Fuses = map[string]types.RetryFuse{}
	}
	return &rf, nil
}

func (r *Registry) writeLocked(rf *registryFile) error {
	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "marshaling launch registry", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "writing launch registry", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return nexuserr.Wrap(nexuserr.KindTransient, nexuserr.CodeTransientStorage, "renaming launch registry", err)
	}
	return nil
}

// RecordLaunch stores the LaunchRecord for an issue, replacing any prior
// record for the same issue_number.
func (r *Registry) RecordLaunch(ctx context.Context, rec types.LaunchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.readLocked()
	if err != nil {
		return err
	}
	rf.Launches[rec.IssueNumber] = rec
	return r.writeLocked(rf)
}

// GetLaunch returns the tracked LaunchRecord for issueNumber, or nil if
// none is tracked.
func (r *Registry) GetLaunch(ctx context.Context, issueNumber string) (*types.LaunchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.readLocked()
	if err != nil {
		return nil, err
	}
	rec, ok := rf.Launches[issueNumber]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ListLaunches returns every tracked LaunchRecord.
func (r *Registry) ListLaunches(ctx context.Context) ([]types.LaunchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]types.LaunchRecord, 0, len(rf.Launches))
	for _, rec := range rf.Launches {
		out = append(out, rec)
	}
	return out, nil
}

// ClearLaunch removes the tracked LaunchRecord for issueNumber. Idempotent.
func (r *Registry) ClearLaunch(ctx context.Context, issueNumber string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.readLocked()
	if err != nil {
		return err
	}
	delete(rf.Launches, issueNumber)
	return r.writeLocked(rf)
}

// GetFuse returns the RetryFuse for (issueNumber, agentType), or the zero
// value if none exists yet.
func (r *Registry) GetFuse(ctx context.Context, issueNumber, agentType string) (types.RetryFuse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.readLocked()
	if err != nil {
		return types.RetryFuse{}, err
	}
	return rf.Fuses[fuseKey(issueNumber, agentType)], nil
}

// SaveFuse persists the RetryFuse for (issueNumber, agentType).
func (r *Registry) SaveFuse(ctx context.Context, issueNumber, agentType string, fuse types.RetryFuse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.readLocked()
	if err != nil {
		return err
	}
	rf.Fuses[fuseKey(issueNumber, agentType)] = fuse
	return r.writeLocked(rf)
}

// ResetFuse clears the fuse for (issueNumber, agentType), required before
// retries can resume after a hard-stop.
func (r *Registry) ResetFuse(ctx context.Context, issueNumber, agentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rf, err := r.readLocked()
	if err != nil {
		return err
	}
	delete(rf.Fuses, fuseKey(issueNumber, agentType))
	return r.writeLocked(rf)
}
