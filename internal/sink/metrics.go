package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layers_sink_records_total",
		Help: "Records handed to a sink, by sink and outcome",
	}, []string{"sink", "status"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "layers_sink_breaker_state",
		Help: "Circuit breaker state per sink (0 closed, 1 open, 2 half-open)",
	}, []string{"sink"})

	breakerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layers_sink_breaker_rejected_total",
		Help: "Writes dropped because the sink's circuit was open",
	}, []string{"sink"})
)
