package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layers_engine_resolutions_total",
		Help: "Engine selections by operator kind and resolved engine",
	}, []string{"kind", "engine"})

	fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layers_engine_fallbacks_total",
		Help: "Requests forced onto the reference engine by a kind-specific rule",
	}, []string{"kind", "rule"})
)
