// Package engine implements the WorkflowEngine: the step
// state machine, router/branch evaluation, retry scheduling, approval
// suspension, and completion/failure transitions.
package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// Router evaluates StepDefinition.Router branches against a workflow's
// merged outputs, caching compiled expressions by source text.
type Router struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewRouter creates a Router with an empty expression cache.
func NewRouter() *Router {
	return &Router{cache: make(map[string]*vm.Program)}
}

// Evaluate returns the step_num of the first branch whose predicate is
// satisfied against env, in declared order, or the default branch's
// step_num if none are satisfied.
func (r *Router) Evaluate(branches []types.RouterBranch, env map[string]any) (int, error) {
	var defaultTarget *int
	for _, b := range branches {
		if b.Default {
			target := b.NextStep
			defaultTarget = &target
			continue
		}
		ok, err := r.eval(b.Predicate, env)
		if err != nil {
			return 0, err
		}
		if ok {
			return b.NextStep, nil
		}
	}
	if defaultTarget == nil {
		return 0, nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "router has no default branch")
	}
	return *defaultTarget, nil
}

func (r *Router) eval(predicate string, env map[string]any) (bool, error) {
	if predicate == "" {
		return true, nil
	}
	program, err := r.compile(predicate)
	if err != nil {
		return false, nexuserr.Wrap(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, fmt.Sprintf("compiling router predicate %q", predicate), err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, nexuserr.Wrap(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, fmt.Sprintf("evaluating router predicate %q", predicate), err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, nexuserr.Newf(nexuserr.KindValidation, nexuserr.CodeDefinitionInvalid, "router predicate %q must evaluate to bool, got %T", predicate, result)
	}
	return b, nil
}

func (r *Router) compile(predicate string) (*vm.Program, error) {
	r.mu.RLock()
	if p, ok := r.cache[predicate]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	program, err := expr.Compile(predicate, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[predicate] = program
	r.mu.Unlock()
	return program, nil
}

// mergedOutputs flattens every step's recorded Outputs into one map, in
// step order, later steps overriding earlier ones — the environment
// router predicates and "merged outputs of the workflow so far"
// evaluate against.
func mergedOutputs(wf *types.Workflow) map[string]any {
	env := make(map[string]any)
	for _, s := range wf.Steps {
		for k, v := range s.Outputs {
			env[k] = v
		}
	}
	return env
}
