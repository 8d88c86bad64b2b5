// Package metrics provides Prometheus metrics for the disk control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "disk_api"
)

// Operation names for service metrics.
const (
	OpCreateDisk      = "CreateDisk"
	OpGetDisk         = "GetDisk"
	OpGetDiskByName   = "GetDiskByName"
	OpListDisks       = "ListDisks"
	OpRemoveDisk      = "RemoveDisk"
	OpMarkUsage       = "MarkDiskUsage"
	OpUpdateUsedBytes = "UpdateDiskUsedBytes"
)

// Removal reasons.
const (
	RemovalReasonAPI           = "api"
	RemovalReasonLifespan      = "lifespan"
	RemovalReasonProjectRemove = "project-remove"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of disk service operations by operation type and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of disk service operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	admissionReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_reviews_total",
			Help:      "Total number of admission reviews by object kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: allowed, declined, error
	)

	admissionReviewDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_review_duration_seconds",
			Help:      "Duration of admission review handling in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind"},
	)

	watcherSweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_sweeps_total",
			Help:      "Total number of watcher iterations by watcher name and status",
		},
		[]string{"watcher", "status"},
	)

	disksRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disks_removed_total",
			Help:      "Total number of disks removed by reason",
		},
		[]string{"reason"},
	)

	eventsConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_connection_status",
			Help:      "Event bus connection status (1 = connected, 0 = disconnected)",
		},
	)

	eventsReconnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_reconnections_total",
			Help:      "Total number of event bus reconnection attempts",
		},
	)

	eventsMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_messages_total",
			Help:      "Total number of event bus messages by direction",
		},
		[]string{"direction"}, // sent, received
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information (value is always 1)",
		},
		[]string{"version", "git_commit", "build_date"},
	)
)

// SetVersionInfo publishes build information for the metrics endpoint.
func SetVersionInfo(version, gitCommit, buildDate string) {
	buildInfo.WithLabelValues(version, gitCommit, buildDate).Set(1)
}

// RecordOperation records the outcome of a disk service operation.
func RecordOperation(operation, status string, duration time.Duration) {
	operationsTotal.WithLabelValues(operation, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAdmissionReview records the outcome of an admission review.
func RecordAdmissionReview(kind, outcome string, duration time.Duration) {
	admissionReviewsTotal.WithLabelValues(kind, outcome).Inc()
	admissionReviewDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordWatcherSweep records one iteration of a watcher loop.
func RecordWatcherSweep(watcher, status string) {
	watcherSweepsTotal.WithLabelValues(watcher, status).Inc()
}

// RecordDiskRemoval records a disk removal by its trigger.
func RecordDiskRemoval(reason string) {
	disksRemovedTotal.WithLabelValues(reason).Inc()
}

// SetEventsConnectionStatus sets the event bus connection status.
func SetEventsConnectionStatus(connected bool) {
	if connected {
		eventsConnectionStatus.Set(1)
	} else {
		eventsConnectionStatus.Set(0)
	}
}

// RecordEventsReconnection increments the event bus reconnection counter.
func RecordEventsReconnection() {
	eventsReconnectionsTotal.Inc()
}

// RecordEventsMessage records an event bus message.
func RecordEventsMessage(direction string) {
	eventsMessagesTotal.WithLabelValues(direction).Inc()
}

// OperationTimer helps time operations and record metrics automatically.
type OperationTimer struct {
	start     time.Time
	operation string
}

// NewOperationTimer creates a new timer for a service operation.
func NewOperationTimer(operation string) *OperationTimer {
	return &OperationTimer{start: time.Now(), operation: operation}
}

// ObserveSuccess records a successful operation.
func (t *OperationTimer) ObserveSuccess() {
	RecordOperation(t.operation, "success", time.Since(t.start))
}

// ObserveError records a failed operation.
func (t *OperationTimer) ObserveError() {
	RecordOperation(t.operation, "error", time.Since(t.start))
}
