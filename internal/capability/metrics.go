package capability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	invocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chadgate",
		Subsystem: "capability",
		Name:      "invocations_total",
		Help:      "Upstream tool invocations by tool, mode and result.",
	}, []string{"tool", "mode", "result"})

	invocationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chadgate",
		Subsystem: "capability",
		Name:      "invocation_duration_seconds",
		Help:      "Upstream tool latency including upstream job polling.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 420},
	}, []string{"tool", "mode"})
)

func init() {
	prometheus.MustRegister(invocationsTotal, invocationDuration)
}

func observe(tool, mode string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	invocationsTotal.WithLabelValues(tool, mode, result).Inc()
	invocationDuration.WithLabelValues(tool, mode).Observe(time.Since(start).Seconds())
}
