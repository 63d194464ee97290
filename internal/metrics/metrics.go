// Package metrics exposes Kestrel's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection metrics
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_detections_total",
			Help: "Total number of transactions evaluated, by verdict",
		},
		[]string{"verdict", "risk_level"},
	)

	DetectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_detection_duration_seconds",
			Help:    "Wall-clock time from dispatch to verdict in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DetectionsIncomplete = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_detections_incomplete_total",
			Help: "Total number of evaluations abandoned because their context ended",
		},
	)

	// Rule metrics
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rule_evaluations_total",
			Help: "Total number of rule evaluations, by rule type and outcome",
		},
		[]string{"rule_type", "outcome"},
	)

	RuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_rule_evaluation_duration_seconds",
			Help:    "Duration of a single rule evaluation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule_type"},
	)

	RuleSetVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_rule_set_version",
			Help: "Version of the active rule snapshot",
		},
	)

	RuleSetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_rule_set_size",
			Help: "Number of enabled rules in the active snapshot",
		},
	)

	RuleRefreshErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_rule_refresh_errors_total",
			Help: "Total number of failed rule snapshot refreshes",
		},
	)

	// Persistence metrics
	PersistErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_result_persist_errors_total",
			Help: "Total number of detection results that failed to persist",
		},
	)

	// Alert metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_alerts_total",
			Help: "Total number of alerts, by dispatch status",
		},
		[]string{"status"},
	)

	AlertQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_alert_queue_depth",
			Help: "Current depth of the alert dispatch queue",
		},
	)

	// Worker metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_worker_messages_total",
			Help: "Total number of inbound transaction messages, by status",
		},
		[]string{"status"},
	)
)

// Outcome labels for RuleEvaluations.
const (
	OutcomeTriggered = "triggered"
	OutcomePassed    = "passed"
	OutcomeError     = "error"
)
