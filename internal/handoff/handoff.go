// Package handoff implements the agent-to-agent handoff protocol: HMAC
// signing over a canonical-JSON projection of the signable fields,
// constant-time verification, and a retry/backoff dispatcher enforcing
// expiry.
package handoff

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Ghabs95/nexus-core/internal/clock"
	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
	"github.com/Ghabs95/nexus-core/internal/runtime"
	"github.com/Ghabs95/nexus-core/internal/types"
)

// DefaultDispatchRate caps launch attempts across all in-flight
// Dispatch calls, independent of each handoff's own exponential
// backoff — a floor against retry storms when many steps complete at
// once and all hand off concurrently.
const DefaultDispatchRate = 5 // attempts per second

// Signer signs and verifies HandoffPayloads with a shared secret read
// from configuration. The zero value is not usable;
// construct with NewSigner.
type Signer struct {
	secret string
}

// NewSigner creates a Signer. An empty secret is accepted here — it is
// only an error at Sign/Dispatch time; the engine itself never signs.
func NewSigner(secret string) *Signer {
	return &Signer{secret: secret}
}

// signableFields projects the fields of p that participate in the
// signature: everything except verification_token and retry_count.
// Returned as a map so encoding/json's built-in alphabetical map-key
// ordering yields a sorted-keys canonical form.
func signableFields(p *types.HandoffPayload) map[string]any {
	fields := map[string]any{
		"handoff_id":            p.HandoffID,
		"issued_by":             p.IssuedBy,
		"target_agent":          p.TargetAgent,
		"issue_number":          p.IssueNumber,
		"workflow_id":           p.WorkflowID,
		"task_context":          p.TaskContext,
		"created_at":            p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"max_retries":           p.MaxRetries,
		"retry_backoff_seconds": p.RetryBackoffSeconds,
	}
	if p.ExpiresAt != nil {
		fields["expires_at"] = p.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func canonicalize(p *types.HandoffPayload) ([]byte, error) {
	data, err := json.Marshal(signableFields(p))
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, nexuserr.CodeHandoffVerifyFailed, "canonicalizing handoff payload", err)
	}
	return data, nil
}

// Sign computes the HMAC-SHA-256 hex digest over the canonical
// serialization of p's signable fields and stores it on
// p.VerificationToken. Fails with ErrMissingSecret (via
// nexuserr.HandoffSecretMissing) when the Signer's secret is empty.
func (s *Signer) Sign(p *types.HandoffPayload) error {
	if s.secret == "" {
		return nexuserr.HandoffSecretMissing()
	}
	data, err := canonicalize(p)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(data)
	p.VerificationToken = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify recomputes the signature over p's signable fields using secret
// and compares it to p.VerificationToken in constant time. Tampering
// with any signable field, or verifying with the wrong secret, fails.
func Verify(p *types.HandoffPayload, secret string) bool {
	if secret == "" || p.VerificationToken == "" {
		return false
	}
	data, err := canonicalize(p)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(p.VerificationToken))
}

// NewPayload builds a HandoffPayload with a fresh handoff_id.
func NewPayload(issuedBy, targetAgent, issueNumber, workflowID string, taskContext map[string]any, now time.Time) *types.HandoffPayload {
	return &types.HandoffPayload{
		HandoffID:   uuid.NewString(),
		IssuedBy:    issuedBy,
		TargetAgent: targetAgent,
		IssueNumber: issueNumber,
		WorkflowID:  workflowID,
		TaskContext: taskContext,
		CreatedAt:   now.UTC(),
	}
}

// Sleeper abstracts time.Sleep for deterministic dispatch tests.
type Sleeper func(context.Context, time.Duration)

// RealSleep sleeps for d or until ctx is cancelled.
func RealSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Dispatcher drives Dispatch's retry/backoff loop against an
// AgentRuntime.
type Dispatcher struct {
	signer  *Signer
	clock   clock.Clock
	sleep   Sleeper
	limiter *rate.Limiter
}

// NewDispatcher creates a Dispatcher. A nil clock defaults to the system
// clock; a nil sleep defaults to RealSleep; a nil limiter defaults to
// DefaultDispatchRate attempts/second with a burst of 1.
func NewDispatcher(signer *Signer, c clock.Clock, sleep Sleeper, limiter *rate.Limiter) *Dispatcher {
	if c == nil {
		c = clock.System{}
	}
	if sleep == nil {
		sleep = RealSleep
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(DefaultDispatchRate), 1)
	}
	return &Dispatcher{signer: signer, clock: c, sleep: sleep, limiter: limiter}
}

// Result is the outcome of a Dispatch call.
type Result struct {
	PID      *int
	Tool     string
	Attempts int
	Err      error
}

// Dispatch drives a payload to a launched agent:
// expiry check before any crypto work, sign/re-sign, up to
// max_retries+1 launch attempts with exponential backoff between
// attempts, returning the last failure if every attempt is exhausted.
func (d *Dispatcher) Dispatch(ctx context.Context, p *types.HandoffPayload, rt runtime.AgentRuntime) Result {
	now := d.clock.Now()
	if p.IsExpired(now) {
		return Result{Err: nexuserr.HandoffExpired(p.HandoffID)}
	}

	if err := d.signer.Sign(p); err != nil {
		return Result{Err: err}
	}

	maxAttempts := p.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return Result{Attempts: attempt - 1, Err: err}
		}

		pid, tool, err := rt.LaunchAgent(ctx, p.IssueNumber, p.TargetAgent, "handoff:"+p.HandoffID)
		last = Result{PID: pid, Tool: tool, Attempts: attempt, Err: err}
		if err == nil && pid != nil {
			return last
		}
		if last.Err == nil {
			last.Err = nexuserr.TransientLaunch(p.TargetAgent)
		}

		if attempt == maxAttempts {
			break
		}

		backoffBase := p.RetryBackoffSeconds
		if backoffBase <= 0 {
			backoffBase = 1
		}
		delay := time.Duration(backoffBase) * time.Second << uint(attempt-1)
		d.sleep(ctx, delay)
	}
	return last
}
