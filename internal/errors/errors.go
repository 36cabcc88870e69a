// Package errors provides the structured error taxonomy used across the
// workflow orchestration kernel: Validation, NotFound,
// Conflict, Expired, PolicyBlocked, Transient, ConfigurationMissing.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind groups error codes into the taxonomy.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindExpired              Kind = "expired"
	KindPolicyBlocked        Kind = "policy_blocked"
	KindTransient            Kind = "transient"
	KindConfigurationMissing Kind = "configuration_missing"
)

// Error codes for kernel operations.
const (
	CodeDefinitionInvalid     = "DEF_001" // Malformed WorkflowDefinition
	CodeWorkflowTypeUnknown   = "DEF_002" // No WorkflowDefinition registered for the workflow type
	CodeWorkflowNotFound      = "WF_001"  // workflow_id has no mapping
	CodeIssueNotFound         = "WF_002"  // issue_number has no mapping
	CodeWorkflowConflict      = "WF_003"  // concurrent writer changed updated_at
	CodeActiveMappingExists   = "WF_004"  // issue already has a non-terminal workflow
	CodeWorkflowPaused        = "WF_005"  // write rejected because workflow is paused
	CodeWorkflowCorrupt       = "WF_006"  // persisted payload could not be parsed
	CodeHandoffExpired        = "HO_001"  // handoff payload past expires_at
	CodeHandoffSecretMissing  = "HO_002"  // signing secret absent
	CodeHandoffVerifyFailed   = "HO_003"  // signature did not verify
	CodeFuseTripped           = "MON_001" // retry fuse blocks further automatic retries
	CodeFuseHardStopped       = "MON_002" // retry fuse permanently hard-stopped
	CodeTransientStorage      = "IO_001"  // storage I/O failure, caller may retry
	CodeTransientLaunch       = "IO_002"  // AgentRuntime.LaunchAgent failed or declined
)

// Error is the structured error type for kernel operations.
type Error struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with the cause's message inlined.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: err}
}

// --- Constructors for the kernel's own conditions ---

// ErrNotFound-equivalent constructors. Callers compare with HasCode or
// errors.As; there is no single sentinel because NotFound covers two
// distinct entities (workflow_id, issue_number).

func WorkflowNotFound(workflowID string) *Error {
	return Newf(KindNotFound, CodeWorkflowNotFound, "workflow not found: %s", workflowID).
		WithDetail("workflow_id", workflowID)
}

func IssueNotFound(issueNumber string) *Error {
	return Newf(KindNotFound, CodeIssueNotFound, "no workflow mapped to issue: %s", issueNumber).
		WithDetail("issue_number", issueNumber)
}

func WorkflowConflict(workflowID string) *Error {
	return Newf(KindConflict, CodeWorkflowConflict, "workflow %s was concurrently modified", workflowID).
		WithDetail("workflow_id", workflowID)
}

func ActiveMappingExists(issueNumber, existingWorkflowID string) *Error {
	return Newf(KindConflict, CodeActiveMappingExists, "issue %s already has an active workflow: %s", issueNumber, existingWorkflowID).
		WithDetail("issue_number", issueNumber).
		WithDetail("workflow_id", existingWorkflowID)
}

func WorkflowPaused(issueNumber string) *Error {
	return Newf(KindPolicyBlocked, CodeWorkflowPaused, "workflow for issue %s is paused", issueNumber).
		WithDetail("issue_number", issueNumber)
}

func WorkflowCorrupt(workflowID string, err error) *Error {
	return Wrap(KindTransient, CodeWorkflowCorrupt, "workflow payload is corrupt", err).
		WithDetail("workflow_id", workflowID)
}

func DefinitionInvalid(reason string) *Error {
	return Newf(KindValidation, CodeDefinitionInvalid, "invalid workflow definition: %s", reason)
}

func HandoffExpired(handoffID string) *Error {
	return Newf(KindExpired, CodeHandoffExpired, "handoff %s has expired", handoffID).
		WithDetail("handoff_id", handoffID)
}

func HandoffSecretMissing() *Error {
	return New(KindConfigurationMissing, CodeHandoffSecretMissing, "handoff signing secret is not configured")
}

func HandoffVerifyFailed(handoffID string) *Error {
	return Newf(KindValidation, CodeHandoffVerifyFailed, "handoff %s failed signature verification", handoffID).
		WithDetail("handoff_id", handoffID)
}

func FuseTripped(issueNumber, agentType string) *Error {
	return Newf(KindPolicyBlocked, CodeFuseTripped, "retry fuse tripped for issue %s agent %s", issueNumber, agentType).
		WithDetail("issue_number", issueNumber).
		WithDetail("agent_type", agentType)
}

func FuseHardStopped(issueNumber, agentType string) *Error {
	return Newf(KindPolicyBlocked, CodeFuseHardStopped, "retry fuse permanently hard-stopped for issue %s agent %s; manual reset required", issueNumber, agentType).
		WithDetail("issue_number", issueNumber).
		WithDetail("agent_type", agentType)
}

func TransientStorage(err error) *Error {
	return Wrap(KindTransient, CodeTransientStorage, "storage operation failed", err)
}

func TransientLaunch(agentType string) *Error {
	return Newf(KindTransient, CodeTransientLaunch, "agent runtime declined to launch %s", agentType).
		WithDetail("agent_type", agentType)
}

// HasCode reports whether err is, or wraps, an *Error with the given code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// HasKind reports whether err is, or wraps, an *Error of the given kind.
func HasKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Code returns the error code if err is an *Error, empty string otherwise.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
