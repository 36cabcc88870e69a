// Package agentdef loads the catalog of named agent capabilities
// (display name, default timeout, default max retries) that workflow
// definitions reference by name only.
package agentdef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// Catalog is a loaded set of agent capabilities keyed by name.
type Catalog struct {
	byName map[string]types.AgentCapability
}

// file is the on-disk shape of one *.yaml agent-capability file.
type file struct {
	Agents []types.AgentCapability `yaml:"agents"`
}

// Load parses a single agent-capability catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "reading agent capability catalog", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "parsing agent capability catalog "+path, err)
	}

	cat := &Catalog{byName: make(map[string]types.AgentCapability, len(f.Agents))}
	for _, a := range f.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return nil, nexuserr.DefinitionInvalid("agent capability entry has an empty name")
		}
		cat.byName[a.Name] = a
	}
	return cat, nil
}

// LoadDir merges every *.yaml/*.yml file directly under dir into one
// Catalog. A later file's entry for the same agent name overrides an
// earlier one. A missing directory loads as an empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{byName: map[string]types.AgentCapability{}}, nil
		}
		return nil, fmt.Errorf("reading agent capability directory: %w", err)
	}

	merged := &Catalog{byName: make(map[string]types.AgentCapability)}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	for _, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		cat, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for agentName, def := range cat.byName {
			merged.byName[agentName] = def
		}
	}
	return merged, nil
}

// ApplyDefaults fills in the capability fields a workflow definition's
// steps reference by name only: display name, default timeout, and
// default max retries come from the catalog when the step's own agent
// entry leaves them unset. Explicit per-step values always win.
func (c *Catalog) ApplyDefaults(def *types.WorkflowDefinition) {
	for i := range def.Steps {
		agent := &def.Steps[i].Agent
		entry, ok := c.byName[agent.Name]
		if !ok {
			continue
		}
		if agent.DisplayName == "" {
			agent.DisplayName = entry.DisplayName
		}
		if agent.DefaultTimeoutSeconds == 0 {
			agent.DefaultTimeoutSeconds = entry.DefaultTimeoutSeconds
		}
		if agent.DefaultMaxRetries == 0 {
			agent.DefaultMaxRetries = entry.DefaultMaxRetries
		}
	}
}

// Resolve returns the capability registered for name, and whether it
// was found. Callers fall back to a bare AgentCapability{Name: name}
// when not found — the catalog only supplies defaults, it never gates
// which agent names a workflow step may reference.
func (c *Catalog) Resolve(name string) (types.AgentCapability, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// Len reports how many agent capabilities are registered.
func (c *Catalog) Len() int {
	return len(c.byName)
}
