package handoff

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	nexuserr "github.com/Ghabs95/nexus-core/internal/errors"
)

// unlimited lets dispatch tests exercise retry counts without the
// pacing guard's real-time delay getting in the way.
func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 0)
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	signer := NewSigner("s3cr3t")
	p := NewPayload("triage", "developer", "42", "proj-42-full", map[string]any{"k": "v"}, time.Now())

	if err := signer.Sign(p); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if p.VerificationToken == "" {
		t.Fatal("expected a non-empty verification token")
	}
	if !Verify(p, "s3cr3t") {
		t.Fatal("Verify must succeed for the signing secret")
	}
}

func TestVerifyFailsWithWrongSecret(t *testing.T) {
	signer := NewSigner("s3cr3t")
	p := NewPayload("triage", "developer", "42", "proj-42-full", nil, time.Now())
	if err := signer.Sign(p); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if Verify(p, "wrong") {
		t.Fatal("Verify must fail with a different secret")
	}
}

func TestVerifyFailsOnTamperedField(t *testing.T) {
	signer := NewSigner("s3cr3t")
	p := NewPayload("triage", "developer", "42", "proj-42-full", nil, time.Now())
	if err := signer.Sign(p); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	p.TargetAgent = "reviewer"
	if Verify(p, "s3cr3t") {
		t.Fatal("Verify must fail once a signable field is tampered with")
	}
}

func TestSignFailsWithMissingSecret(t *testing.T) {
	signer := NewSigner("")
	p := NewPayload("triage", "developer", "42", "proj-42-full", nil, time.Now())
	err := signer.Sign(p)
	if err == nil {
		t.Fatal("expected an error signing with an empty secret")
	}
	if nexuserr.Code(err) != nexuserr.CodeHandoffSecretMissing {
		t.Fatalf("expected CodeHandoffSecretMissing, got %v", nexuserr.Code(err))
	}
}

type fakeRuntime struct {
	pids []*int
	errs []error
	call int
}

func intp(i int) *int { return &i }

func (r *fakeRuntime) LaunchAgent(ctx context.Context, issueNumber, agentType, trigger string) (*int, string, error) {
	idx := r.call
	r.call++
	if idx >= len(r.pids) {
		idx = len(r.pids) - 1
	}
	return r.pids[idx], "claude", r.errs[idx]
}

func noSleep(context.Context, time.Duration) {}

func TestDispatch_ExpiredFailsWithoutSigning(t *testing.T) {
	signer := NewSigner("s3cr3t")
	d := NewDispatcher(signer, nil, noSleep, unlimited())
	past := time.Now().Add(-time.Second)
	p := NewPayload("triage", "developer", "42", "proj-42-full", nil, time.Now())
	p.ExpiresAt = &past

	rt := &fakeRuntime{pids: []*int{intp(99)}, errs: []error{nil}}
	res := d.Dispatch(context.Background(), p, rt)

	if res.Err == nil || nexuserr.Code(res.Err) != nexuserr.CodeHandoffExpired {
		t.Fatalf("expected CodeHandoffExpired, got %v", res.Err)
	}
	if p.VerificationToken != "" {
		t.Fatal("an expired payload must not be signed")
	}
	if rt.call != 0 {
		t.Fatal("an expired payload must not invoke LaunchAgent")
	}
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	signer := NewSigner("s3cr3t")
	d := NewDispatcher(signer, nil, noSleep, unlimited())
	p := NewPayload("triage", "developer", "42", "proj-42-full", nil, time.Now())
	p.MaxRetries = 2
	p.RetryBackoffSeconds = 1

	rt := &fakeRuntime{
		pids: []*int{nil, nil, intp(123)},
		errs: []error{nil, nil, nil},
	}
	res := d.Dispatch(context.Background(), p, rt)

	if res.Err != nil {
		t.Fatalf("expected success on the 3rd attempt, got %v", res.Err)
	}
	if res.PID == nil || *res.PID != 123 {
		t.Fatalf("expected pid 123, got %v", res.PID)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestDispatch_ExhaustsRetriesAndReturnsLastFailure(t *testing.T) {
	signer := NewSigner("s3cr3t")
	d := NewDispatcher(signer, nil, noSleep, unlimited())
	p := NewPayload("triage", "developer", "42", "proj-42-full", nil, time.Now())
	p.MaxRetries = 1

	rt := &fakeRuntime{pids: []*int{nil, nil}, errs: []error{nil, nil}}
	res := d.Dispatch(context.Background(), p, rt)

	if res.Err == nil {
		t.Fatal("expected a failure result after exhausting retries")
	}
	if res.Attempts != 2 {
		t.Fatalf("expected max_retries+1 = 2 attempts, got %d", res.Attempts)
	}
	if rt.call != 2 {
		t.Fatalf("expected LaunchAgent called exactly twice, got %d", rt.call)
	}
}
