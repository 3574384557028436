package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldsync"

// Dispatch outcomes.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeRescheduled = "rescheduled"
	OutcomeFailed      = "failed"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	actionsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_enqueued_total",
			Help:      "Actions accepted into the queue by type.",
		},
		[]string{"type"},
	)

	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch attempts by action type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	syncPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed sync passes.",
		},
	)

	syncPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of a sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	storeWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Queue persistence writes by result.",
		},
		[]string{"result"},
	)

	storeCorruptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_corruptions_total",
			Help:      "Persisted queue records discarded as unreadable.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued actions by status.",
		},
		[]string{"status"},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the device is considered online.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			actionsEnqueued,
			dispatchOutcomes,
			syncPasses,
			syncPassDuration,
			storeWrites,
			storeCorruptions,
			queueDepth,
			online,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncEnqueued(actionType string) {
	actionsEnqueued.WithLabelValues(actionType).Inc()
}

func IncDispatch(actionType, outcome string) {
	dispatchOutcomes.WithLabelValues(actionType, outcome).Inc()
}

// ObserveSyncPass records a finished pass.
func ObserveSyncPass(d time.Duration) {
	syncPasses.Inc()
	syncPassDuration.Observe(d.Seconds())
}

func IncStoreWrite(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	storeWrites.WithLabelValues(result).Inc()
}

func IncStoreCorruption() {
	storeCorruptions.Inc()
}

// SetQueueDepth publishes the per-status queue gauges.
func SetQueueDepth(pending, syncing, failed int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("syncing").Set(float64(syncing))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

func SetOnline(v bool) {
	if v {
		online.Set(1)
		return
	}
	online.Set(0)
}
