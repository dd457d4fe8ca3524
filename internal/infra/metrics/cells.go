package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(workCellsClaimedTotal, workCellsReleasedTotal, workCellsReclaimedTotal) }

var workCellsClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "work_cells_claimed_total",
		Help: "Work cells claimed by workers, by model family.",
	},
	[]string{"family"},
)

var workCellsReleasedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "work_cells_released_total",
		Help: "Work cell releases, labeled by the status the cell settled on.",
	},
	[]string{"status"}, // 'done', 'available', 'in_use'
)

var workCellsReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "work_cells_reclaimed_total",
		Help: "In_use cells the watchdog returned to available after their workers died.",
	},
)

func IncCellClaimed(family string) {
	workCellsClaimedTotal.WithLabelValues(norm(family)).Inc()
}

func IncCellReleased(status string) {
	workCellsReleasedTotal.WithLabelValues(norm(status)).Inc()
}

func IncCellReclaimed() {
	workCellsReclaimedTotal.Inc()
}
