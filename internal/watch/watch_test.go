package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/Ghabs95/nexus-core/internal/eventbus"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(subscriberKey, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, subscriberKey+":"+text)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestStartWatch_DeliversMatchingStepEvent(t *testing.T) {
	bus := eventbus.New(nil)
	svc := New(bus)
	sender := &recordingSender{}
	svc.Bind(sender)

	svc.StartWatch("chat:1", "proj", "42", false)

	bus.Emit(eventbus.NewEvent(eventbus.TypeStepStarted, "proj-42-full", map[string]any{
		"step_num":   1,
		"step_name":  "triage",
		"agent_type": "triage",
	}))

	if sender.count() != 1 {
		t.Fatalf("expected 1 delivered notification, got %d", sender.count())
	}
}

func TestStartWatch_IgnoresUnrelatedWorkflow(t *testing.T) {
	bus := eventbus.New(nil)
	svc := New(bus)
	sender := &recordingSender{}
	svc.Bind(sender)

	svc.StartWatch("chat:1", "proj", "42", false)

	bus.Emit(eventbus.NewEvent(eventbus.TypeStepStarted, "other-7-full", map[string]any{
		"step_num":   1,
		"step_name":  "triage",
		"agent_type": "triage",
	}))

	if sender.count() != 0 {
		t.Fatalf("expected no delivery for an unrelated workflow, got %d", sender.count())
	}
}

func TestThrottle_SuppressesRapidStepEvents(t *testing.T) {
	bus := eventbus.New(nil)
	svc := New(bus)
	sender := &recordingSender{}
	svc.Bind(sender)
	frozen := time.Now()
	svc.now = func() time.Time { return frozen }

	svc.StartWatch("chat:1", "proj", "42", false)

	bus.Emit(eventbus.NewEvent(eventbus.TypeStepStarted, "proj-42-full", map[string]any{
		"step_num":   1,
		"step_name":  "triage",
		"agent_type": "triage",
	}))
	bus.Emit(eventbus.NewEvent(eventbus.TypeStepStarted, "proj-42-full", map[string]any{
		"step_num":   2,
		"step_name":  "develop",
		"agent_type": "developer",
	}))

	if sender.count() != 1 {
		t.Fatalf("expected the second rapid step event to be throttled, got %d deliveries", sender.count())
	}
}

func TestWorkflowCompleted_RemovesSubscription(t *testing.T) {
	bus := eventbus.New(nil)
	svc := New(bus)
	sender := &recordingSender{}
	svc.Bind(sender)

	svc.StartWatch("chat:1", "proj", "42", false)
	bus.Emit(eventbus.NewEvent(eventbus.TypeWorkflowCompleted, "proj-42-full", nil))

	if _, ok := svc.Status("chat:1"); ok {
		t.Fatal("expected subscription to be removed after workflow completion")
	}
}

func TestStopWatch_ScopedToProjectAndIssue(t *testing.T) {
	bus := eventbus.New(nil)
	svc := New(bus)

	svc.StartWatch("chat:1", "proj", "42", false)
	if svc.StopWatch("chat:1", "proj", "99") {
		t.Fatal("expected StopWatch to no-op for a mismatched issue number")
	}
	if !svc.StopWatch("chat:1", "proj", "42") {
		t.Fatal("expected StopWatch to remove the matching subscription")
	}
}
