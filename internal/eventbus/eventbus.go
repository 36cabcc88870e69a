// Package eventbus provides the in-process publish/subscribe dispatcher
// that decouples the WorkflowEngine from notifiers and observers.
package eventbus

import (
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity classifies a SystemAlert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event types the core emits.
const (
	TypeWorkflowStarted          = "workflow.started"
	TypeWorkflowCompleted        = "workflow.completed"
	TypeWorkflowFailed           = "workflow.failed"
	TypeWorkflowPaused           = "workflow.paused"
	TypeWorkflowCancelled        = "workflow.cancelled"
	TypeWorkflowApprovalRequired = "workflow.approval_required"
	TypeStepStarted              = "step.started"
	TypeStepCompleted            = "step.completed"
	TypeStepFailed               = "step.failed"
	TypeAgentLaunched            = "agent.launched"
	TypeAgentTimeout             = "agent.timeout"
	TypeAgentRetry               = "agent.retry"
	TypeSystemAlert              = "system.alert"
	TypeAuditLogged              = "audit.logged"
)

// AlertAction is an interactive action attached to a SystemAlert.
type AlertAction struct {
	Label        string `json:"label"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Event is the envelope every emitted event carries: a
// stable type string, a UTC timestamp, an optional workflow_id, and a
// free-form data map for subtype fields.
type Event struct {
	EventType  string
	Timestamp  time.Time
	WorkflowID string
	Data       map[string]any
}

// Get returns a typed value out of Data, reporting false if the key is
// absent or holds a value of a different type.
func Get[T any](e Event, key string) (T, bool) {
	var zero T
	v, ok := e.Data[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// NewEvent builds an Event with the current time and the given data
// fields, stored under the matching keys.
func NewEvent(eventType, workflowID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Data:       data,
	}
}

// Handler processes one Event. Handlers run concurrently per Emit call
// and in an isolated failure boundary — a returned error is logged with
// event context and never propagated back to the emitter.
type Handler func(Event) error

type subscription struct {
	id        string
	pattern   string
	isPattern bool
	handler   Handler
}

// EventBus is a single-process pub/sub dispatcher with exact-name and
// glob-pattern subscriptions. The zero value is not
// usable; construct with New.
type EventBus struct {
	mu   sync.Mutex
	subs map[string]subscription

	logger *slog.Logger
}

// New creates an EventBus. logger is used to record handler failures;
// a nil logger discards them.
func New(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventBus{
		subs:   make(map[string]subscription),
		logger: logger,
	}
}

// Subscribe registers handler for an exact event type and returns a
// subscription ID usable with Unsubscribe.
func (b *EventBus) Subscribe(eventType string, handler Handler) string {
	return b.register(eventType, false, handler)
}

// SubscribePattern registers handler for event types matching a glob
// pattern (e.g. "workflow.*", "*").
func (b *EventBus) SubscribePattern(pattern string, handler Handler) string {
	return b.register(pattern, true, handler)
}

func (b *EventBus) register(pattern string, isPattern bool, handler Handler) string {
	id := uuid.NewString()
	sub := subscription{id: id, pattern: pattern, isPattern: isPattern, handler: handler}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return id
}

// Unsubscribe removes a subscription. Returns true if it existed.
func (b *EventBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[subscriptionID]; !ok {
		return false
	}
	delete(b.subs, subscriptionID)
	return true
}

// Emit computes the matching subscription set under the bus mutex,
// releases it, then invokes every matching handler concurrently.
// Emit returns only after all handlers have terminated, successfully or
// not; a handler panic or error is logged and does not
// affect sibling handlers or the caller.
func (b *EventBus) Emit(event Event) {
	b.mu.Lock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.isPattern {
			if ok, _ := path.Match(sub.pattern, event.EventType); ok {
				matched = append(matched, sub)
			}
		} else if sub.pattern == event.EventType {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(matched))
	for _, sub := range matched {
		go func(s subscription) {
			defer wg.Done()
			b.safeCall(s, event)
		}(sub)
	}
	wg.Wait()
}

func (b *EventBus) safeCall(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.EventType,
				"workflow_id", event.WorkflowID,
				"subscription_id", sub.id,
				"panic", r,
			)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.logger.Error("event handler failed",
			"event_type", event.EventType,
			"workflow_id", event.WorkflowID,
			"subscription_id", sub.id,
			"error", err,
		)
	}
}

// SubscriberCount returns the number of subscriptions matching an exact
// event type. Pattern subscriptions are not counted toward any
// particular event type since they may or may not match at emit time.
func (b *EventBus) SubscriberCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, sub := range b.subs {
		if !sub.isPattern && sub.pattern == eventType {
			count++
		}
	}
	return count
}

// Clear removes all subscriptions. Intended for test isolation.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]subscription)
}
