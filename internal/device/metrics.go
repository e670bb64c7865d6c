package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_pool_hits_total",
		Help: "Total number of blob allocations served from the buffer pool",
	}, []string{"backend"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_pool_misses_total",
		Help: "Total number of blob allocations that needed fresh memory",
	}, []string{"backend"})

	poolSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiver_device_pool_size_bytes",
		Help: "Bytes currently parked in the buffer pool",
	}, []string{"backend"})

	allocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiver_device_allocated_bytes",
		Help: "Bytes currently held by live blobs",
	}, []string{"backend"})

	copiedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_copied_bytes_total",
		Help: "Bytes moved by the copy primitive, by direction",
	}, []string{"direction"})
)
