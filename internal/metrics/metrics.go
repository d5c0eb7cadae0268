// Package metrics provides Prometheus metrics for the analysis manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache purge metrics
	purgedFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_cache_purged_files_total",
			Help: "Total number of cached files deleted by purge passes",
		},
		[]string{"strategy"},
	)

	purgedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_cache_purged_bytes_total",
			Help: "Total bytes freed by purge passes",
		},
		[]string{"strategy"},
	)

	purgeDeleteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_cache_purge_delete_errors_total",
			Help: "Cached files that could not be deleted (including already deleted by a sibling)",
		},
		[]string{"strategy"},
	)

	purgeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysismgr_cache_purge_duration_seconds",
			Help:    "Time spent in a purge pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Transfer metrics
	transferFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_transfer_files_total",
			Help: "Total number of files transferred",
		},
		[]string{"direction", "status"},
	)

	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_transfer_bytes_total",
			Help: "Total bytes transferred",
		},
		[]string{"direction"},
	)

	transferRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysismgr_transfer_retries_total",
			Help: "Total retried file copy attempts",
		},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analysismgr_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Lock file metrics
	lockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analysismgr_lock_wait_duration_seconds",
			Help:    "Time spent waiting for another process's lock file",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	lockReclaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysismgr_lock_reclaims_total",
			Help: "Abandoned lock files removed after exceeding the max wait age",
		},
	)

	// Locator metrics
	locatorLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_locator_lookups_total",
			Help: "Dataset directory lookups by the tier that satisfied them",
		},
		[]string{"tier"},
	)

	// Status metrics
	statusWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_status_writes_total",
			Help: "Status document deliveries by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)

	abortSignalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analysismgr_abort_signals_total",
			Help: "AbortProcessingNow flag files consumed",
		},
	)

	// Status event stream metrics
	eventSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analysismgr_event_subscribers_active",
			Help: "Number of attached status event subscribers",
		},
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_events_published_total",
			Help: "Messages published to the in-process status queue",
		},
		[]string{"topic"},
	)

	eventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysismgr_events_dropped_total",
			Help: "Messages dropped for slow subscribers",
		},
		[]string{"topic"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPurge records the outcome of a purge pass.
func RecordPurge(strategy string, files int, bytes int64, deleteErrors int, duration time.Duration) {
	purgedFilesTotal.WithLabelValues(strategy).Add(float64(files))
	purgedBytesTotal.WithLabelValues(strategy).Add(float64(bytes))
	purgeDeleteErrorsTotal.WithLabelValues(strategy).Add(float64(deleteErrors))
	purgeDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordTransfer records one file transfer. direction is "push", "pull" or "local".
func RecordTransfer(direction string, bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	transferFilesTotal.WithLabelValues(direction, status).Inc()
	if success {
		transferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordTransferSkipped records a file left in place because the destination already matched.
func RecordTransferSkipped(direction string) {
	transferFilesTotal.WithLabelValues(direction, "skipped").Inc()
}

// RecordTransferRetry records a retried copy attempt.
func RecordTransferRetry() {
	transferRetriesTotal.Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordLockWait records time spent waiting on a lock file.
func RecordLockWait(duration time.Duration) {
	lockWaitDuration.Observe(duration.Seconds())
}

// RecordLockReclaim records removal of an abandoned lock file.
func RecordLockReclaim() {
	lockReclaimsTotal.Inc()
}

// RecordLocatorLookup records which storage tier satisfied a lookup.
func RecordLocatorLookup(tier string) {
	locatorLookupsTotal.WithLabelValues(tier).Inc()
}

// RecordStatusWrite records a status delivery to a sink ("disk", "queue", "broker").
func RecordStatusWrite(sink string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	statusWritesTotal.WithLabelValues(sink, outcome).Inc()
}

// RecordStatusThrottled records a disk write skipped by the minimum interval.
func RecordStatusThrottled(sink string) {
	statusWritesTotal.WithLabelValues(sink, "throttled").Inc()
}

// RecordAbortSignal records consumption of an abort flag file.
func RecordAbortSignal() {
	abortSignalsTotal.Inc()
}

// SetEventSubscribers sets the number of attached event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribersActive.Set(float64(count))
}

// RecordEventPublished records one message published on topic.
func RecordEventPublished(topic string) {
	eventsPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordEventDropped records a message not delivered to a full subscriber.
func RecordEventDropped(topic string) {
	eventsDroppedTotal.WithLabelValues(topic).Inc()
}
