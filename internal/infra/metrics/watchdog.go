package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(watchdogResetsTotal, watchdogReopenedTotal, watchdogPassDuration) }

var watchdogResetsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "watchdog_stale_resets_total",
		Help: "Stale in_progress tasks reset by the watchdog, by resulting status.",
	},
	[]string{"status"}, // 'pending', 'failed'
)

var watchdogReopenedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "watchdog_cells_reopened_total",
		Help: "Done work cells re-opened because a task went back to pending.",
	},
)

var watchdogPassDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "watchdog_pass_duration_seconds",
		Help:    "Duration of a full watchdog reconciliation pass.",
		Buckets: prometheus.DefBuckets,
	},
)

func IncWatchdogReset(status string) {
	watchdogResetsTotal.WithLabelValues(norm(status)).Inc()
}

func IncCellReopened() { watchdogReopenedTotal.Inc() }

func ObserveWatchdogPass(seconds float64) { watchdogPassDuration.Observe(seconds) }
