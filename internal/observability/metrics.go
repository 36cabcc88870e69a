// Package observability exposes Prometheus counters/gauges for the
// engine's audit trail by subscribing to the EventBus. The engine never
// calls these directly; everything is driven off emitted events.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Ghabs95/nexus-core/internal/eventbus"
)

var (
	agentLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_agent_launches_total",
			Help: "Total agent launch attempts by agent type and outcome",
		},
		[]string{"agent_type", "outcome"},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_step_retries_total",
			Help: "Total step retries by agent type",
		},
		[]string{"agent_type"},
	)

	fuseTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_retry_fuse_trips_total",
			Help: "Total retry-fuse trips by severity",
		},
		[]string{"severity"},
	)

	reconciliationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_reconciliation_runs_total",
			Help: "Total reconciliation runs by outcome",
		},
		[]string{"outcome"},
	)

	workflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_workflows_active",
			Help: "Number of workflows currently running or paused",
		},
	)
)

// Subscribe wires the package-level metrics to bus. Call once per
// process; the returned subscription IDs are for Unsubscribe in tests.
func Subscribe(bus *eventbus.EventBus) []string {
	var ids []string
	ids = append(ids, bus.Subscribe(eventbus.TypeAgentLaunched, recordLaunch))
	ids = append(ids, bus.Subscribe(eventbus.TypeAgentTimeout, recordLaunchTimeout))
	ids = append(ids, bus.Subscribe(eventbus.TypeAgentRetry, recordRetry))
	ids = append(ids, bus.Subscribe(eventbus.TypeWorkflowStarted, recordWorkflowStarted))
	ids = append(ids, bus.Subscribe(eventbus.TypeWorkflowCompleted, recordWorkflowEnded))
	ids = append(ids, bus.Subscribe(eventbus.TypeWorkflowFailed, recordWorkflowEnded))
	ids = append(ids, bus.Subscribe(eventbus.TypeWorkflowCancelled, recordWorkflowEnded))
	ids = append(ids, bus.Subscribe(eventbus.TypeSystemAlert, recordAlert))
	return ids
}

func recordLaunch(evt eventbus.Event) error {
	agentType, _ := eventbus.Get[string](evt, "agent_type")
	agentLaunches.WithLabelValues(agentType, "launched").Inc()
	return nil
}

func recordLaunchTimeout(evt eventbus.Event) error {
	agentType, _ := eventbus.Get[string](evt, "agent_type")
	agentLaunches.WithLabelValues(agentType, "timeout").Inc()
	return nil
}

func recordRetry(evt eventbus.Event) error {
	agentType, _ := eventbus.Get[string](evt, "agent_type")
	stepRetries.WithLabelValues(agentType).Inc()
	return nil
}

func recordWorkflowStarted(evt eventbus.Event) error {
	workflowsActive.Inc()
	return nil
}

func recordWorkflowEnded(evt eventbus.Event) error {
	workflowsActive.Dec()
	return nil
}

func recordAlert(evt eventbus.Event) error {
	driftFlag, _ := eventbus.Get[string](evt, "drift_flag")
	if driftFlag != "" {
		reconciliationRuns.WithLabelValues("drift_detected").Inc()
		return nil
	}
	// Only the retry fuse raises error/critical alerts tagged with an
	// agent_type; the engine's workflow-failure alerts carry none.
	if agentType, _ := eventbus.Get[string](evt, "agent_type"); agentType == "" {
		return nil
	}
	severity, _ := eventbus.Get[string](evt, "severity")
	if severity == string(eventbus.SeverityCritical) || severity == string(eventbus.SeverityError) {
		fuseTrips.WithLabelValues(severity).Inc()
	}
	return nil
}
