package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiver_publish_snapshots_total",
			Help: "Snapshots sent over Flight by outcome",
		},
		[]string{"result"},
	)

	publishedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_publish_rows_total",
			Help: "Buffer rows sent over Flight",
		},
	)
)
