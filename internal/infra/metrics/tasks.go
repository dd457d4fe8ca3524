package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(rowTasksProcessedTotal, rowTasksRequeuedTotal) }

var rowTasksProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "row_tasks_processed_total",
		Help: "Total number of row tasks processed, labeled by outcome.",
	},
	[]string{"status"}, // 'done', 'failed'
)

var rowTasksRequeuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "row_tasks_requeued_total",
		Help: "Row tasks put back to pending after a predict failure, by family.",
	},
	[]string{"family"},
)

func IncRowTask(status string) {
	rowTasksProcessedTotal.WithLabelValues(norm(status)).Inc()
}

func IncRowTaskRequeued(family string) {
	rowTasksRequeuedTotal.WithLabelValues(norm(family)).Inc()
}
