package timing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_phase_op_duration_seconds",
		Help:    "Time per operator invocation, by phase",
		Buckets: []float64{0.00001, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 1},
	}, []string{"phase", "registry"})

	phaseOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_phase_ops_total",
		Help: "Operator invocations timed, by phase",
	}, []string{"phase", "registry"})
)
