package dispatch

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/chadgate/internal/capability"
	"github.com/mbd888/chadgate/internal/catalog"
	"github.com/mbd888/chadgate/internal/entitlement"
	"github.com/mbd888/chadgate/internal/validation"
)

var (
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chadgate",
		Subsystem: "dispatch",
		Name:      "calls_total",
		Help:      "Tool calls by tool and outcome.",
	}, []string{"tool", "outcome"})

	dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chadgate",
		Subsystem: "dispatch",
		Name:      "call_duration_seconds",
		Help:      "Time from receipt to response for calls that passed validation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"tool"})
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchDuration)
}

func outcomeLabel(out *Outcome, err error) string {
	var verrs validation.ValidationErrors
	switch {
	case errors.Is(err, catalog.ErrUnknownTool):
		return "unknown_tool"
	case errors.As(err, &verrs):
		return "validation_error"
	case errors.Is(err, entitlement.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, capability.ErrHandler):
		return "handler_error"
	case err != nil:
		return "error"
	case out == nil:
		return "error"
	}
	return string(out.Kind)
}

// toolLabel keeps caller-chosen names out of metric labels.
func toolLabel(name string, err error) string {
	if errors.Is(err, catalog.ErrUnknownTool) {
		return "unknown"
	}
	return name
}
