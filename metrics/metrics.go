package metrics

import (
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/argus-qa/test-dispatcher/types"
)

const (
	MetricsNamespace = "argus_dispatch"
)

var (
	validStatuses = []types.ResultStatus{
		types.ResultStatusPassed,
		types.ResultStatusFailed,
		types.ResultStatusError,
		types.ResultStatusTimeout,
	}

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tasks_dispatched_total",
		Help:      "Tasks pushed onto the queue",
	}, []string{
		"run_id",
		"strategy",
	})

	tasksRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tasks_requeued_total",
		Help:      "Tasks re-enqueued after their node disappeared",
	}, []string{
		"run_id",
	})

	resultsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "results_received_total",
		Help:      "Results drained from the result channel",
	}, []string{
		"run_id",
		"status",
	})

	tasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "tasks_executed_total",
		Help:      "Tasks executed by this worker",
	}, []string{
		"node_id",
		"status",
	})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "task_duration_seconds",
		Help:      "Wall time of individual task executions",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{
		"node_id",
	})

	activeNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "active_nodes",
		Help:      "Worker nodes observed alive at the last poll",
	})

	queueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "queue_backlog",
		Help:      "Tasks waiting in the queue at the last poll",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Total wall time of a distributed run",
	}, []string{
		"run_id",
	})
)

func RecordError(error string) {
	errorsTotal.WithLabelValues(error).Inc()
}

func RecordDispatch(runID, strategy string, count int) {
	tasksDispatched.WithLabelValues(runID, strategy).Add(float64(count))
}

func RecordRequeue(runID string) {
	tasksRequeued.WithLabelValues(runID).Inc()
}

func RecordResult(runID string, status types.ResultStatus) {
	if !slices.Contains(validStatuses, status) {
		return
	}
	resultsReceived.WithLabelValues(runID, string(status)).Inc()
}

func RecordExecution(nodeID string, status types.ResultStatus, duration time.Duration) {
	tasksExecuted.WithLabelValues(nodeID, string(status)).Inc()
	taskDuration.WithLabelValues(nodeID).Observe(duration.Seconds())
}

func RecordPoll(backlog int64, nodes int) {
	queueBacklog.Set(float64(backlog))
	activeNodes.Set(float64(nodes))
}

func RecordRunDuration(runID string, duration time.Duration) {
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}
