package resource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_resource_requests_total",
		Help: "Resource handles issued by the manager, by kind",
	}, []string{"kind"})

	tempCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_resource_temp_cache_hits_total",
		Help: "Temp space requests answered from the per-context cache",
	})

	tempSpaceBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_resource_temp_space_bytes_total",
		Help: "Bytes of scratch space allocated for temp space handles",
	})
)
