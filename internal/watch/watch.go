// Package watch bridges the core EventBus to live visualizer/chat
// subscribers: per-subscriber throttling of non-terminal
// notifications, last-event dedup, and project/issue/workflow_id
// subscription matching. The wire transport is the host's concern;
// adapters implement Sender.
package watch

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Ghabs95/nexus-core/internal/eventbus"
)

// Throttle is the minimum spacing between non-terminal notifications
// delivered to the same subscriber.
const Throttle = 2 * time.Second

// Sender delivers a rendered notification to one subscriber. Adapters
// (Telegram, Slack, a websocket hub) implement this; the package itself
// only decides when and what to send.
type Sender interface {
	Send(subscriberKey, text string) error
}

// Subscription tracks one watcher's interest in a single issue's
// workflow, plus dedup/throttle bookkeeping.
type Subscription struct {
	SubscriberKey string
	ProjectKey    string
	IssueNumber   string
	WorkflowID    string
	DiagramsOn    bool

	lastEventKey string
	lastSentAt   time.Time
	UpdatedAt    time.Time
}

// Service relays EventBus activity to live subscribers. It holds no
// opinion on transport; Bind supplies the Sender.
type Service struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	bus  *eventbus.EventBus
	send Sender
	now  func() time.Time
}

// New creates a Service subscribed to bus. Call Bind before any events
// are expected to be delivered.
func New(bus *eventbus.EventBus) *Service {
	s := &Service{
		subs: make(map[string]*Subscription),
		bus:  bus,
		now:  time.Now,
	}
	bus.SubscribePattern("step.*", s.handle)
	bus.SubscribePattern("workflow.*", s.handle)
	return s
}

// Bind attaches the Sender used to deliver rendered notifications.
func (s *Service) Bind(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = sender
}

// StartWatch creates or replaces a subscription for subscriberKey.
func (s *Service) StartWatch(subscriberKey, projectKey, issueNumber string, diagramsOn bool) (replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced = s.subs[subscriberKey]
	s.subs[subscriberKey] = &Subscription{
		SubscriberKey: subscriberKey,
		ProjectKey:    projectKey,
		IssueNumber:   issueNumber,
		DiagramsOn:    diagramsOn,
		UpdatedAt:     s.now(),
	}
	return replaced
}

// StopWatch removes subscriberKey's subscription, optionally scoped to
// a matching project/issue. Returns whether a subscription was removed.
func (s *Service) StopWatch(subscriberKey, projectKey, issueNumber string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subscriberKey]
	if !ok {
		return false
	}
	if projectKey != "" && sub.ProjectKey != projectKey {
		return false
	}
	if issueNumber != "" && sub.IssueNumber != issueNumber {
		return false
	}
	delete(s.subs, subscriberKey)
	return true
}

// Status returns the current subscription for subscriberKey, if any.
func (s *Service) Status(subscriberKey string) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subscriberKey]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

func (s *Service) handle(evt eventbus.Event) error {
	if evt.WorkflowID == "" {
		return nil
	}

	now := s.now()
	type delivery struct {
		key  string
		text string
	}
	var toSend []delivery
	var toRemove []string

	s.mu.Lock()
	for key, sub := range s.subs {
		if !matches(sub, evt.WorkflowID) {
			continue
		}
		text := render(evt)
		if text == "" {
			continue
		}
		eventKey := dedupKey(evt)
		if eventKey != "" && eventKey == sub.lastEventKey {
			continue
		}
		if throttled(evt.EventType) && now.Sub(sub.lastSentAt) < Throttle {
			continue
		}
		sub.lastEventKey = eventKey
		sub.lastSentAt = now
		sub.UpdatedAt = now
		if evt.WorkflowID != "" && sub.WorkflowID == "" {
			sub.WorkflowID = evt.WorkflowID
		}
		toSend = append(toSend, delivery{key: key, text: text})
		if evt.EventType == eventbus.TypeWorkflowCompleted || evt.EventType == eventbus.TypeWorkflowFailed {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		delete(s.subs, key)
	}
	sender := s.send
	s.mu.Unlock()

	if sender == nil {
		return nil
	}
	for _, d := range toSend {
		_ = sender.Send(d.key, d.text)
	}
	return nil
}

// matches reports whether workflowID belongs to sub. A workflow_id is
// always "<project_key>-<issue_number>-<workflow_type>" (see
// engine.CreateWorkflowForIssue), so once a subscription has latched
// onto a concrete workflow_id it compares directly; until then it
// matches by the project/issue prefix.
func matches(sub *Subscription, workflowID string) bool {
	if sub.WorkflowID != "" {
		return workflowID == sub.WorkflowID
	}
	prefix := sub.ProjectKey + "-" + sub.IssueNumber + "-"
	return strings.HasPrefix(workflowID, prefix)
}

func throttled(eventType string) bool {
	return eventType == eventbus.TypeStepStarted || eventType == eventbus.TypeStepCompleted
}

func dedupKey(evt eventbus.Event) string {
	switch evt.EventType {
	case eventbus.TypeStepStarted, eventbus.TypeStepCompleted, eventbus.TypeStepFailed:
		stepNum, _ := eventbus.Get[int](evt, "step_num")
		return evt.EventType + ":" + evt.WorkflowID + ":" + strconv.Itoa(stepNum)
	case eventbus.TypeWorkflowCompleted, eventbus.TypeWorkflowFailed:
		return evt.EventType + ":" + evt.WorkflowID
	default:
		return ""
	}
}

func render(evt eventbus.Event) string {
	switch evt.EventType {
	case eventbus.TypeStepStarted:
		agent, _ := eventbus.Get[string](evt, "agent_type")
		name, _ := eventbus.Get[string](evt, "step_name")
		return "started " + name + " (" + agent + ")"
	case eventbus.TypeStepCompleted:
		name, _ := eventbus.Get[string](evt, "step_name")
		return "completed " + name
	case eventbus.TypeStepFailed:
		name, _ := eventbus.Get[string](evt, "step_name")
		return "failed " + name
	case eventbus.TypeWorkflowCompleted:
		return "workflow " + evt.WorkflowID + " completed"
	case eventbus.TypeWorkflowFailed:
		reason, _ := eventbus.Get[string](evt, "reason")
		if reason != "" {
			return "workflow " + evt.WorkflowID + " failed: " + reason
		}
		return "workflow " + evt.WorkflowID + " failed"
	default:
		return ""
	}
}
