package metrics

import (
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/testforge/dispatch/types"
)

const (
	MetricsNamespace = "dispatch"
)

var (
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	runsAdmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_admitted_total",
		Help:      "Count of admitted runs",
	}, []string{
		"kind",
	})

	admissionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "admission_conflicts_total",
		Help:      "Count of run requests rejected by admission control",
	}, []string{
		"kind",
	})

	runsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_closed_total",
		Help:      "Count of closed runs",
	}, []string{
		"kind",
		"status",
	})

	activeRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_runs",
		Help:      "Number of currently active runs",
	}, []string{
		"kind",
	})

	runningTests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "running_tests",
		Help:      "Number of test executions currently in flight",
	})

	testsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tests_completed_total",
		Help:      "Count of completed test executions",
	}, []string{
		"status",
	})

	staleCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "stale_callbacks_total",
		Help:      "Count of worker callbacks referencing unknown or closed runs",
	}, []string{
		"op",
	})

	forceResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "force_resets_total",
		Help:      "Count of administrative force resets",
	})

	broadcastEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "broadcast_events_total",
		Help:      "Count of events pushed to subscribers",
	}, []string{
		"type",
	})

	broadcastDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "broadcast_dropped_total",
		Help:      "Count of events dropped because the broadcast queue was full",
	}, []string{
		"type",
	})

	subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "subscribers",
		Help:      "Number of live viewer connections",
	})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of closed runs",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{
		"kind",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	RecordError(label + "." + errToLabel(err))
}

func RecordRunAdmitted(kind types.RunKind) {
	runsAdmittedTotal.WithLabelValues(string(kind)).Inc()
	activeRuns.WithLabelValues(string(kind)).Inc()
}

func RecordAdmissionConflict(kind types.RunKind) {
	admissionConflictsTotal.WithLabelValues(string(kind)).Inc()
}

func RecordRunClosed(kind types.RunKind, status types.RunStatus, duration time.Duration) {
	runsClosedTotal.WithLabelValues(string(kind), string(status)).Inc()
	activeRuns.WithLabelValues(string(kind)).Dec()
	runDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func RecordTestStarted() {
	runningTests.Inc()
}

func RecordTestCompleted(status types.TestStatus) {
	runningTests.Dec()
	testsCompletedTotal.WithLabelValues(string(status)).Inc()
}

// RecordStaleCallback counts a worker callback that referenced a run the
// registry no longer tracks. These are expected under best-effort delivery.
func RecordStaleCallback(op string) {
	staleCallbacksTotal.WithLabelValues(op).Inc()
}

// RecordForceReset zeroes the live gauges alongside the reset counter, since
// the registry state they mirror was just discarded.
func RecordForceReset(discarded map[types.RunKind]int, running int) {
	forceResetsTotal.Inc()
	for kind, n := range discarded {
		activeRuns.WithLabelValues(string(kind)).Sub(float64(n))
	}
	runningTests.Sub(float64(running))
}

func RecordBroadcast(eventType types.EventType) {
	broadcastEventsTotal.WithLabelValues(string(eventType)).Inc()
}

func RecordBroadcastDropped(eventType types.EventType) {
	broadcastDroppedTotal.WithLabelValues(string(eventType)).Inc()
}

func RecordSubscribe() {
	subscribers.Inc()
}

func RecordUnsubscribe() {
	subscribers.Dec()
}
