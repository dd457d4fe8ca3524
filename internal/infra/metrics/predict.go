package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(predictLatencyMs) }

var predictLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "predict_latency_ms",
		Help:    "Predict call latency distribution in milliseconds.",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	},
	[]string{"family", "model", "success"},
)

func ObservePredict(family, model string, latencyMs int64, success bool) {
	predictLatencyMs.WithLabelValues(norm(family), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}
