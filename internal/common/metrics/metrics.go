package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_registrations_total",
			Help: "Total number of workflow registration attempts by outcome",
		},
		[]string{"status"},
	)

	NodeRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_node_registrations_total",
			Help: "Total number of node registration tasks by outcome",
		},
		[]string{"status"},
	)

	NodeRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_node_rollbacks_total",
			Help: "Total number of best-effort node unregistrations by outcome",
		},
		[]string{"status"},
	)

	RegistrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_registration_duration_seconds",
			Help:    "Duration of workflow registration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"status"},
	)

	WorkflowsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflows_registered",
			Help: "Number of workflows currently published",
		},
	)

	Predictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_predictions_total",
			Help: "Total number of workflow predictions by outcome",
		},
		[]string{"status"},
	)
)

// Status label values.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusNotFound  = "not_found"
)
