package entitlement

import "github.com/prometheus/client_golang/prometheus"

var consumeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "chadgate",
	Subsystem: "entitlement",
	Name:      "consume_total",
	Help:      "API key quota consumption attempts by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(consumeTotal)
}
