package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_runner_runs_total",
			Help: "Total number of comparison runs per operator and outcome",
		},
		[]string{"op", "result"},
	)

	mismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_runner_mismatches_total",
			Help: "Total number of contexts whose results differed from the reference",
		},
		[]string{"op"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quiver_runner_run_duration_seconds",
			Help:    "Wall time of one context run including initialization",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"op", "context"},
	)
)
