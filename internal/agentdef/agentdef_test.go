package agentdef

import (
	"os"
	"path/filepath"
	"testing"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

const validCatalog = `
agents:
  - name: developer
    display_name: Developer
    default_timeout_seconds: 1800
    default_max_retries: 2
  - name: reviewer
    display_name: Reviewer
    default_timeout_seconds: 900
    default_max_retries: 1
`

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ParsesAgentEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "agents.yaml", validCatalog)

	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("expected 2 agents, got %d", cat.Len())
	}
	dev, ok := cat.Resolve("developer")
	if !ok {
		t.Fatal("expected to resolve 'developer'")
	}
	if dev.DefaultMaxRetries != 2 || dev.DefaultTimeoutSeconds != 1800 {
		t.Fatalf("unexpected developer capability: %+v", dev)
	}
}

func TestLoad_RejectsEmptyName(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, "bad.yaml", "agents:\n  - display_name: Nameless\n")

	_, err := Load(path)
	if err == nil || nexuserr.Code(err) != nexuserr.CodeDefinitionInvalid {
		t.Fatalf("expected CodeDefinitionInvalid, got %v", err)
	}
}

func TestLoadDir_MergesFilesLaterOverridesEarlier(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", "agents:\n  - name: developer\n    default_max_retries: 2\n")
	writeCatalog(t, dir, "b.yaml", "agents:\n  - name: developer\n    default_max_retries: 5\n")

	cat, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	dev, ok := cat.Resolve("developer")
	if !ok {
		t.Fatal("expected to resolve 'developer'")
	}
	if dev.DefaultMaxRetries != 5 {
		t.Fatalf("expected the later file to win with max_retries=5, got %d", dev.DefaultMaxRetries)
	}
}

func TestApplyDefaults_FillsUnsetCapabilityFields(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "agents.yaml", validCatalog)
	cat, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	def := &types.WorkflowDefinition{Steps: []types.StepDefinition{
		{StepNum: 1, Agent: types.AgentCapability{Name: "developer"}},
		{StepNum: 2, Agent: types.AgentCapability{Name: "reviewer", DefaultTimeoutSeconds: 60}},
		{StepNum: 3, Agent: types.AgentCapability{Name: "not-in-catalog"}},
	}}
	cat.ApplyDefaults(def)

	if got := def.Steps[0].Agent; got.DefaultTimeoutSeconds != 1800 || got.DefaultMaxRetries != 2 || got.DisplayName != "Developer" {
		t.Fatalf("expected catalog defaults applied to developer, got %+v", got)
	}
	if got := def.Steps[1].Agent.DefaultTimeoutSeconds; got != 60 {
		t.Fatalf("explicit per-step timeout must win over the catalog, got %d", got)
	}
	if got := def.Steps[2].Agent; got.DefaultTimeoutSeconds != 0 {
		t.Fatalf("an agent missing from the catalog must be left untouched, got %+v", got)
	}
}

func TestLoadDir_MissingDirectoryLoadsEmpty(t *testing.T) {
	cat, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadDir on a missing directory should not error, got %v", err)
	}
	if cat.Len() != 0 {
		t.Fatalf("expected an empty catalog, got %d entries", cat.Len())
	}
}

func TestResolve_UnknownNameReportsNotFound(t *testing.T) {
	cat, err := LoadDir(t.TempDir())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if _, ok := cat.Resolve("ghost"); ok {
		t.Fatal("expected an unregistered agent name to not resolve")
	}
}
