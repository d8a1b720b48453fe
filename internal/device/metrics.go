package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	parallelDispatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layers_parallel_dispatches_total",
		Help: "Total number of ParallelFor calls that fanned out to workers",
	})

	parallelInline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layers_parallel_inline_total",
		Help: "Total number of ParallelFor calls run on the calling goroutine",
	})
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layers_scratch_pool_hits_total",
		Help: "Total number of successful scratch buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layers_scratch_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})
)
