// Package workflow loads declarative WorkflowDefinition files and
// normalizes workflow-type labels.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// canonicalWorkflowTypes is the implementation-wide mapping table used by
// NormalizeWorkflowType when a definition file does not supply its own.
// Keys are already normalized (lowercased, hyphenated).
var canonicalWorkflowTypes = map[string]string{
	"full":       "full",
	"standard":   "full",
	"shortened":  "shortened",
	"short":      "shortened",
	"fast-track": "fast-track",
	"fasttrack":  "fast-track",
	"hotfix":     "fast-track",
}

// Load parses and validates a declarative workflow definition file at path.
// It fails with an ErrInvalidDefinition-kind *errors.Error (internal/errors,
// CodeDefinitionInvalid) detailing the first violating step.
func Load(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "reading workflow definition", err)
	}

	var def types.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "parsing workflow definition "+path, err)
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the four invariants required of a loaded
// WorkflowDefinition: every agent name is non-empty, every router branch
// targets an existing step_num, every router has a default branch, and at
// least one non-router step exists. It returns nexuserr.DefinitionInvalid
// describing the first violation found, in step order.
func Validate(def *types.WorkflowDefinition) error {
	if len(def.Steps) == 0 {
		return nexuserr.DefinitionInvalid("definition has no steps")
	}

	stepNums := make(map[int]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepNums[s.StepNum] = true
	}

	nonRouterCount := 0
	for _, s := range def.Steps {
		if !s.IsRouter() {
			if strings.TrimSpace(s.Agent.Name) == "" {
				return nexuserr.DefinitionInvalid(fmt.Sprintf("step %d: agent name is empty", s.StepNum))
			}
			nonRouterCount++
			continue
		}

		hasDefault := false
		for _, branch := range s.Router {
			if !stepNums[branch.NextStep] {
				return nexuserr.DefinitionInvalid(fmt.Sprintf("step %d: router branch targets unknown step_num %d", s.StepNum, branch.NextStep))
			}
			if branch.Default {
				hasDefault = true
			}
		}
		if !hasDefault {
			return nexuserr.DefinitionInvalid(fmt.Sprintf("step %d: router has no default branch", s.StepNum))
		}
	}

	if nonRouterCount == 0 {
		return nexuserr.DefinitionInvalid("definition has no non-router steps")
	}
	return nil
}

// NormalizeWorkflowType maps a user-supplied workflow-type label to one of
// the canonical set. Whitespace is trimmed, underscores become hyphens, and
// case is lowered before lookup; unknown values return def. This is the
// single normalization point — every other component consumes the result.
func NormalizeWorkflowType(raw, def string) string {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-"))
	if canonical, ok := canonicalWorkflowTypes[key]; ok {
		return canonical
	}
	return def
}

// LoadDir loads every *.yaml/*.yml definition file directly under dir,
// keyed by each definition's WorkflowType. A directory that does not
// exist loads as empty rather than erroring, so a project without a
// .nexus/workflows directory yet still starts.
func LoadDir(dir string) (map[string]*types.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*types.WorkflowDefinition{}, nil
		}
		return nil, fmt.Errorf("reading workflow definition directory: %w", err)
	}

	defs := make(map[string]*types.WorkflowDefinition, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		defs[def.WorkflowType] = def
	}
	return defs, nil
}
