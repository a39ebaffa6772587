package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chadgate",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Class limiter decisions by class and result.",
	}, []string{"class", "result"})

	ingressRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chadgate",
		Subsystem: "ratelimit",
		Name:      "ingress_rejected_total",
		Help:      "Requests rejected by the per-IP ingress guard.",
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, ingressRejectedTotal)
}
