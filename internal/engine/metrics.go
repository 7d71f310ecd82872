package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_step_transitions_total",
		Help: "Step status transitions by target status.",
	}, []string{"to"})
	instancesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "siteflow_instances_completed_total",
		Help: "Instances whose steps all reached a terminal status.",
	})
	approvalsDecided = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_approvals_decided_total",
		Help: "Approval decisions by outcome.",
	}, []string{"decision"})
	valuesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_field_values_rejected_total",
		Help: "Field value writes rejected, by reason.",
	}, []string{"reason"})
	publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "siteflow_publish_total",
		Help: "Publish attempts by result.",
	}, []string{"result"})
)
