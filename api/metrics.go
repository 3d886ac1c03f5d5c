/*
metrics.go - Prometheus instrumentation for the compliance engine

PURPOSE:
  Counts the domain events operators actually alert on: evaluation
  verdicts, workflow decisions, settlement transitions, and executed
  card actions. Exposed on /metrics by the router.

SEE ALSO:
  - server.go: /metrics route
  - handlers.go, scheduler.go: where counters increment
*/
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_evaluations_total",
		Help: "Expense evaluations by resulting policy status.",
	}, []string{"status"})

	workflowDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_workflow_decisions_total",
		Help: "Workflow approve/reject decisions by outcome.",
	}, []string{"outcome"})

	settlementTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_settlement_transitions_total",
		Help: "Reimbursement state transitions by target status.",
	}, []string{"to"})

	scheduledActionsExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_scheduled_actions_executed_total",
		Help: "Scheduled card actions executed by action type.",
	}, []string{"type"})
)
