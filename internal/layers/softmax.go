package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/device"
	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/simd"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

var softmaxPolicy = engine.Policy[*layer.Parameter]{Kind: "Softmax", HasAccelerated: true}

// SoftmaxLayer normalises along one axis. The accelerated engine runs the
// independent (outer, inner) columns on separate workers.
type SoftmaxLayer struct {
	layer.Base
	axis     int
	outer    int
	channels int
	inner    int
	parallel bool
}

// NewSoftmaxLayer is the Softmax creator.
func NewSoftmaxLayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	d, err := softmaxPolicy.Resolve(param.Engine, caps, param)
	if err != nil {
		return nil, err
	}
	return &SoftmaxLayer{
		Base:     layer.NewBase(param, d.Engine),
		parallel: d.Engine == engine.EngineAccelerated,
	}, nil
}

func (l *SoftmaxLayer) Type() string         { return "Softmax" }
func (l *SoftmaxLayer) ExactNumBottoms() int { return 1 }
func (l *SoftmaxLayer) MinTops() int         { return 1 }
func (l *SoftmaxLayer) MaxTops() int         { return 1 }

func (l *SoftmaxLayer) Setup(bottom, top []*tensor.Tensor) error {
	if err := layer.CheckCounts(l, bottom, top); err != nil {
		return err
	}
	return l.InferShape(bottom, top)
}

func (l *SoftmaxLayer) InferShape(bottom, top []*tensor.Tensor) error {
	in := bottom[0]
	axis, err := in.CanonicalAxis(l.Param.SoftmaxParam().Axis)
	if err != nil {
		return errors.Wrapf(err, "softmax layer %q", l.Name())
	}
	l.axis = axis
	l.outer = in.CountRange(0, axis)
	l.channels = in.Dim(axis)
	l.inner = in.CountFrom(axis + 1)
	return top[0].ReshapeLike(in)
}

// Axis returns the canonical softmax axis.
func (l *SoftmaxLayer) Axis() int { return l.axis }

func (l *SoftmaxLayer) columns(fn func(start, end int)) {
	n := l.outer * l.inner
	if l.parallel {
		device.ParallelFor(n, fn)
		return
	}
	fn(0, n)
}

// column returns the offset of the first element of column j and the step
// between its elements.
func (l *SoftmaxLayer) column(j int) (base, step int) {
	o, i := j/l.inner, j%l.inner
	return o*l.channels*l.inner + i, l.inner
}

func (l *SoftmaxLayer) Forward(bottom, top []*tensor.Tensor) error {
	in, out := bottom[0].Data(), top[0].Data()
	l.columns(func(start, end int) {
		for j := start; j < end; j++ {
			base, step := l.column(j)
			peak := float32(math.Inf(-1))
			for c := 0; c < l.channels; c++ {
				peak = max(peak, in[base+c*step])
			}
			var sum float32
			for c := 0; c < l.channels; c++ {
				idx := base + c*step
				out[idx] = float32(math.Exp(float64(in[idx] - peak)))
				sum += out[idx]
			}
			for c := 0; c < l.channels; c++ {
				out[base+c*step] /= sum
			}
		}
	})
	return nil
}

// Backward computes dx = y * (dy - sum(dy * y)) per column.
func (l *SoftmaxLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	if !layer.Propagate(propagateDown, 0) {
		return nil
	}
	out, outDiff, inDiff := top[0].Data(), top[0].Diff(), bottom[0].Diff()
	l.columns(func(start, end int) {
		for j := start; j < end; j++ {
			base, step := l.column(j)
			var dot float32
			if step == 1 {
				dot = float32(simd.Dot(outDiff[base:base+l.channels], out[base:base+l.channels]))
			} else {
				for c := 0; c < l.channels; c++ {
					idx := base + c*step
					dot += outDiff[idx] * out[idx]
				}
			}
			for c := 0; c < l.channels; c++ {
				idx := base + c*step
				inDiff[idx] = out[idx] * (outDiff[idx] - dot)
			}
		}
	})
	return nil
}
