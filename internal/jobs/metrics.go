package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chadgate",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Jobs entering each state.",
	}, []string{"state"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chadgate",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Time from creation to terminal state.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"state"})

	jobsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chadgate",
		Subsystem: "jobs",
		Name:      "swept_total",
		Help:      "Expired jobs deleted by the sweeper.",
	})

	jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chadgate",
		Subsystem: "jobs",
		Name:      "in_flight",
		Help:      "Background executions holding an executor slot.",
	})
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, jobsSweptTotal, jobsInFlight)
}
