package payment

import "github.com/prometheus/client_golang/prometheus"

var (
	verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chadgate",
		Subsystem: "payment",
		Name:      "verifications_total",
		Help:      "Payment verifications by result (accepted or rejection reason).",
	}, []string{"result"})

	verifyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chadgate",
		Subsystem: "payment",
		Name:      "verify_duration_seconds",
		Help:      "Time to verify and claim a payment, including chain lookup retries.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16},
	})
)

func init() {
	prometheus.MustRegister(verificationsTotal, verifyDuration)
}
