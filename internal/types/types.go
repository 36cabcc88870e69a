// Package types defines the data model shared by the workflow
// orchestration kernel: workflow definitions, running workflow
// instances, completion records, and the handoff payload exchanged
// between agents.
package types

import "time"

// BackoffStrategy selects how a failed step's retry delay is computed.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffConstant    BackoffStrategy = "constant"
)

// WorkflowState is the workflow-level state machine
type WorkflowState string

const (
	WorkflowCreated       WorkflowState = "created"
	WorkflowRunning       WorkflowState = "running"
	WorkflowPaused        WorkflowState = "paused"
	WorkflowApprovalWait  WorkflowState = "approval_wait"
	WorkflowCompleted     WorkflowState = "completed"
	WorkflowFailed        WorkflowState = "failed"
	WorkflowCancelled     WorkflowState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the per-step state machine
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// AgentCapability describes an agent kind a step can bind to.
type AgentCapability struct {
	Name                  string `json:"name" yaml:"name"`
	DisplayName           string `json:"display_name" yaml:"display_name"`
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds" yaml:"default_timeout_seconds"`
	DefaultMaxRetries     int    `json:"default_max_retries" yaml:"default_max_retries"`
}

// RouterBranch is one predicate/target pair in a StepDefinition's router.
type RouterBranch struct {
	Predicate string `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	NextStep  int    `json:"next_step_num,omitempty" yaml:"next_step_num,omitempty"`
	// Default marks the branch taken when no predicate is satisfied.
	// At least one branch per router must set this; when several do,
	// the last of them in the list is taken.
	Default bool `json:"default,omitempty" yaml:"default,omitempty"`
}

// StepDefinition is one stage of a WorkflowDefinition.
type StepDefinition struct {
	StepNum                int             `json:"step_num" yaml:"step_num"`
	Name                   string          `json:"name" yaml:"name"`
	Agent                  AgentCapability `json:"agent" yaml:"agent"`
	TimeoutSeconds         *int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries             *int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	InitialDelaySeconds    *int            `json:"initial_delay_seconds,omitempty" yaml:"initial_delay_seconds,omitempty"`
	BackoffStrategy        BackoffStrategy `json:"backoff_strategy,omitempty" yaml:"backoff_strategy,omitempty"`
	ApprovalRequired       bool            `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`
	Approvers              []string        `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	ApprovalTimeoutSeconds *int            `json:"approval_timeout_seconds,omitempty" yaml:"approval_timeout_seconds,omitempty"`
	// Router, when non-empty, makes this a router step: no agent runs,
	// the next step is chosen by evaluating branches in order.
	Router []RouterBranch `json:"router,omitempty" yaml:"router,omitempty"`
}

// IsRouter reports whether the step selects its successor via predicates
// rather than running an agent.
func (s *StepDefinition) IsRouter() bool {
	return len(s.Router) > 0
}

// EffectiveTimeout resolves the step's timeout, falling back to the
// agent capability's default.
func (s *StepDefinition) EffectiveTimeout() time.Duration {
	if s.TimeoutSeconds != nil {
		return time.Duration(*s.TimeoutSeconds) * time.Second
	}
	return time.Duration(s.Agent.DefaultTimeoutSeconds) * time.Second
}

// EffectiveMaxRetries resolves the step's retry budget, falling back to
// the agent capability's default.
func (s *StepDefinition) EffectiveMaxRetries() int {
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return s.Agent.DefaultMaxRetries
}

// WorkflowDefinition is the immutable template loaded from disk.
type WorkflowDefinition struct {
	Name         string           `json:"name" yaml:"name"`
	WorkflowType string           `json:"workflow_type" yaml:"workflow_type"`
	Steps        []StepDefinition `json:"steps" yaml:"steps"`
}

// StepByNum returns the StepDefinition with the given step_num, or nil.
func (d *WorkflowDefinition) StepByNum(stepNum int) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].StepNum == stepNum {
			return &d.Steps[i]
		}
	}
	return nil
}

// WorkflowStep is a per-workflow-instance snapshot of a StepDefinition,
// copied at workflow creation so definition edits never retroactively
// alter running workflows.
type WorkflowStep struct {
	StepNum                int             `json:"step_num"`
	Name                   string          `json:"name"`
	Agent                  AgentCapability `json:"agent"`
	Status                 StepStatus      `json:"status"`
	StartedAt              *time.Time      `json:"started_at,omitempty"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	Outputs                map[string]any  `json:"outputs,omitempty"`
	Error                  string          `json:"error,omitempty"`
	RetryCount             int             `json:"retry_count"`
	EffectiveMaxRetries    int             `json:"effective_max_retries"`
	BackoffStrategy        BackoffStrategy `json:"backoff_strategy"`
	InitialDelaySeconds    int             `json:"initial_delay_seconds"`
	ApprovalRequired       bool            `json:"approval_required,omitempty"`
	Approvers              []string        `json:"approvers,omitempty"`
	ApprovalTimeoutSeconds int             `json:"approval_timeout_seconds,omitempty"`
	Router                 []RouterBranch  `json:"router,omitempty"`
}

// NewWorkflowStep builds a runtime WorkflowStep snapshot from a
// definition, applying effective defaults.
func NewWorkflowStep(def StepDefinition) WorkflowStep {
	initialDelay := 0
	if def.InitialDelaySeconds != nil {
		initialDelay = *def.InitialDelaySeconds
	}
	backoff := def.BackoffStrategy
	if backoff == "" {
		backoff = BackoffExponential
	}
	return WorkflowStep{
		StepNum:                def.StepNum,
		Name:                   def.Name,
		Agent:                  def.Agent,
		Status:                 StepPending,
		EffectiveMaxRetries:    def.EffectiveMaxRetries(),
		BackoffStrategy:        backoff,
		InitialDelaySeconds:    initialDelay,
		ApprovalRequired:       def.ApprovalRequired,
		Approvers:              def.Approvers,
		ApprovalTimeoutSeconds: derefOrZero(def.ApprovalTimeoutSeconds),
		Router:                 def.Router,
	}
}

func derefOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// IsRouter reports whether the step selects its successor via predicates
// rather than running an agent.
func (s *WorkflowStep) IsRouter() bool {
	return len(s.Router) > 0
}

// BackoffDelay computes the retry delay for the step's current
// RetryCount, capped at maxBackoff.
func (s *WorkflowStep) BackoffDelay(maxBackoff time.Duration) time.Duration {
	initial := time.Duration(s.InitialDelaySeconds) * time.Second
	if initial <= 0 {
		initial = time.Second
	}
	var delay time.Duration
	switch s.BackoffStrategy {
	case BackoffLinear:
		delay = initial * time.Duration(s.RetryCount)
	case BackoffConstant:
		delay = initial
	default: // exponential
		shift := s.RetryCount - 1
		if shift < 0 {
			shift = 0
		}
		delay = initial << uint(shift)
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// Workflow is the per-issue running instance.
type Workflow struct {
	WorkflowID      string         `json:"workflow_id"`
	IssueNumber     string         `json:"issue_number"`
	ProjectKey      string         `json:"project_key"`
	WorkflowType    string         `json:"workflow_type"`
	State           WorkflowState  `json:"state"`
	CurrentStep     *int           `json:"current_step,omitempty"`
	Steps           []WorkflowStep `json:"steps"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ActiveAgentType string         `json:"active_agent_type,omitempty"`
}

// StepByNum returns a pointer into w.Steps for the given step_num, or nil.
func (w *Workflow) StepByNum(stepNum int) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].StepNum == stepNum {
			return &w.Steps[i]
		}
	}
	return nil
}

// RunningStep returns the single step in StepRunning status, or nil if
// none is running (true for terminal or approval-suspended workflows).
func (w *Workflow) RunningStep() *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].Status == StepRunning {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the index of stepNum within w.Steps, or -1.
func (w *Workflow) StepIndex(stepNum int) int {
	for i := range w.Steps {
		if w.Steps[i].StepNum == stepNum {
			return i
		}
	}
	return -1
}

// CompletionSource records where a CompletionRecord originated.
type CompletionSource string

const (
	SourceLocal      CompletionSource = "local"
	SourceRemote     CompletionSource = "remote"
	SourceReconciled CompletionSource = "reconciled"
)

// CompletionRecord is an append-only audit row of a structured agent
// completion.
type CompletionRecord struct {
	IssueNumber    string           `json:"issue_number"`
	CompletedAgent string           `json:"completed_agent"`
	NextAgent      string           `json:"next_agent"`
	Summary        string           `json:"summary,omitempty"`
	KeyFindings    []string         `json:"key_findings,omitempty"`
	CommentID      string           `json:"comment_id,omitempty"`
	Source         CompletionSource `json:"source"`
	CreatedAt      time.Time        `json:"created_at"`
}

// PendingApproval tracks an approval gate suspension.
type PendingApproval struct {
	IssueNumber string    `json:"issue_number"`
	WorkflowID  string    `json:"workflow_id"`
	StepNum     int       `json:"step_num"`
	AgentName   string    `json:"agent_name"`
	Approvers   []string  `json:"approvers"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// RetryFuse is the sliding-window retry limiter state for a
// (issue_number, agent_type) pair.
type RetryFuse struct {
	WindowStart time.Time   `json:"window_start"`
	Attempts    int         `json:"attempts"`
	Tripped     bool        `json:"tripped"`
	TripTimes   []time.Time `json:"trip_times,omitempty"`
	HardStopped bool        `json:"hard_stopped"`
}

// LaunchRecord is one row of the process-orchestrator's launch
// registry, keyed by issue_number.
type LaunchRecord struct {
	IssueNumber string    `json:"issue_number"`
	PID         int       `json:"pid"`
	AgentType   string    `json:"agent_type"`
	LogFilePath string    `json:"log_file_path"`
	LaunchedAt  time.Time `json:"launched_at"`
	Fuse        RetryFuse `json:"retry_fuse"`
}

// HandoffPayload is the transient, signed message passed between agents.
type HandoffPayload struct {
	HandoffID           string         `json:"handoff_id"`
	IssuedBy            string         `json:"issued_by"`
	TargetAgent         string         `json:"target_agent"`
	IssueNumber         string         `json:"issue_number"`
	WorkflowID          string         `json:"workflow_id"`
	TaskContext         map[string]any `json:"task_context,omitempty"`
	VerificationToken   string         `json:"verification_token,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	RetryCount          int            `json:"retry_count"`
	MaxRetries          int            `json:"max_retries"`
	RetryBackoffSeconds int            `json:"retry_backoff_seconds"`
}

// IsExpired reports whether the payload's expires_at, if set, is in the
// past relative to now.
func (p *HandoffPayload) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}
