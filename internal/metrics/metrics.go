// Package metrics provides Prometheus metrics for Argus Logs.
// It tracks log ingestion, search latency, the alert lifecycle and the
// notification pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "argus"
)

// Log metrics track ingestion and search.
var (
	// LogsIngestedTotal counts records accepted or rejected by ingestion.
	LogsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_ingested_total",
			Help:      "Total number of log records received by ingestion",
		},
		[]string{"result"}, // result: stored, invalid, conflict, error
	)

	// QueriesTotal counts search requests by outcome.
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of log searches",
		},
		[]string{"mode", "result"}, // result: ok, timed_out, degraded, invalid, error
	)

	// QueryLatency measures search time including the backend round trip.
	QueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Time to execute a log search in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"}, // operation: search, distinct, aggregate
	)

	// FacetRequestsShared counts facet requests served by an in-flight duplicate.
	FacetRequestsShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facet_requests_shared_total",
			Help:      "Total number of facet requests coalesced with an identical in-flight request",
		},
	)
)

// Alert metrics track alert lifecycle.
var (
	// AlertsTriggeredTotal counts triggers by whether they opened a new alert.
	AlertsTriggeredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Total number of alert triggers",
		},
		[]string{"severity", "result"}, // result: created, deduplicated
	)

	// AlertTriggerConflictsTotal counts retried trigger attempts.
	AlertTriggerConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_trigger_conflicts_total",
			Help:      "Total number of trigger attempts retried after a write conflict",
		},
	)

	// AlertTransitionsTotal counts lifecycle transitions by target status.
	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_transitions_total",
			Help:      "Total number of alert status transitions",
		},
		[]string{"status"},
	)

	// AlertTriggerLatency measures the time to apply one trigger.
	AlertTriggerLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alert_trigger_latency_seconds",
			Help:      "Time to apply an alert trigger in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// EscalationsTotal counts escalations by reason.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of alert escalations",
		},
		[]string{"reason"},
	)
)

// Notification metrics track the notification pipeline.
var (
	// NotificationsSentTotal counts delivery attempts.
	NotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total number of notifications sent",
		},
		[]string{"kind", "status"}, // kind: notify, escalate; status: success, failure, skipped
	)

	// NotificationLatency measures time from alert creation to notification dispatch.
	// This is the key SLO metric for notification time.
	NotificationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_latency_seconds",
			Help:      "Time from alert creation to notification dispatch in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

// Queue metrics track message queue health.
var (
	// QueueDepth tracks the current number of messages in an in-memory queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of messages in the queue",
		},
		[]string{"topic"},
	)

	// QueuePublishLatency measures time to publish a message to the queue.
	QueuePublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_publish_latency_seconds",
			Help:      "Time to publish a message to the queue in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
		[]string{"topic"},
	)

	// MessagesProcessedTotal counts consumed messages by outcome.
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Total number of queue messages processed",
		},
		[]string{"topic", "result"},
	)

	// MessagesRedeliveredTotal counts handler failures that left a broker
	// message uncommitted for another attempt.
	MessagesRedeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_redelivered_total",
			Help:      "Total number of queue messages handed to the handler again after a failure",
		},
		[]string{"topic"},
	)
)

// Scanner metrics track periodic passes.
var (
	// ScanPassDuration measures one scanner pass.
	ScanPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_pass_duration_seconds",
			Help:      "Time to complete a scanner pass in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"pass"}, // pass: alerts, retention
	)

	// JobsPublishedTotal counts notification jobs published by the scanner.
	JobsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_published_total",
			Help:      "Total number of notification jobs published",
		},
		[]string{"kind"},
	)

	// RetentionDeletedTotal counts records and alerts removed by retention.
	RetentionDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Total number of items deleted by retention sweeps",
		},
		[]string{"kind"}, // kind: logs, alerts
	)

	// ArchivedRecordsTotal counts log records written to archives.
	ArchivedRecordsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_records_total",
			Help:      "Total number of log records archived before deletion",
		},
	)
)
