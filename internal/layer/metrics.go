package layer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/23skdu/longbow-layers/internal/tensor"
)

var (
	constructions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layers_constructions_total",
		Help: "Layer construction attempts by type and outcome (engine or error)",
	}, []string{"type", "outcome"})

	// LayerDuration tracks time spent in forward and backward passes.
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "layers_pass_duration_seconds",
		Help:    "Time spent in forward/backward passes of a layer",
		Buckets: []float64{0.00001, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"type", "engine", "pass"})
)

// timedLayer records pass durations for the layer it wraps.
type timedLayer struct {
	Layer
	forward  prometheus.Observer
	backward prometheus.Observer
}

func timed(l Layer) Layer {
	typ, eng := l.Type(), l.Engine().String()
	return &timedLayer{
		Layer:    l,
		forward:  LayerDuration.WithLabelValues(typ, eng, "forward"),
		backward: LayerDuration.WithLabelValues(typ, eng, "backward"),
	}
}

func (t *timedLayer) Forward(bottom, top []*tensor.Tensor) error {
	start := time.Now()
	defer func() { t.forward.Observe(time.Since(start).Seconds()) }()
	return t.Layer.Forward(bottom, top)
}

func (t *timedLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	start := time.Now()
	defer func() { t.backward.Observe(time.Since(start).Seconds()) }()
	return t.Layer.Backward(top, propagateDown, bottom)
}

// Unwrap returns the layer underneath any instrumentation added by Construct.
func Unwrap(l Layer) Layer {
	if t, ok := l.(*timedLayer); ok {
		return t.Layer
	}
	return l
}
