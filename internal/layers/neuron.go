package layers

import (
	"math"

	"github.com/23skdu/longbow-layers/internal/device"
	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// neuronKernel is an elementwise activation. backward receives the bottom
// value, the top value and the top gradient.
type neuronKernel struct {
	forward  func(x float32) float32
	backward func(x, y, dy float32) float32
}

func reluKernel(slope float32) neuronKernel {
	return neuronKernel{
		forward: func(x float32) float32 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		backward: func(x, _, dy float32) float32 {
			if x > 0 {
				return dy
			}
			return slope * dy
		},
	}
}

var sigmoidKernel = neuronKernel{
	forward: func(x float32) float32 {
		return float32(1 / (1 + math.Exp(-float64(x))))
	},
	backward: func(_, y, dy float32) float32 { return dy * y * (1 - y) },
}

// fastSigmoidKernel uses the tanh identity, which does not overflow for
// large negative inputs.
var fastSigmoidKernel = neuronKernel{
	forward: func(x float32) float32 {
		return float32(0.5*math.Tanh(0.5*float64(x)) + 0.5)
	},
	backward: sigmoidKernel.backward,
}

var tanhKernel = neuronKernel{
	forward:  func(x float32) float32 { return float32(math.Tanh(float64(x))) },
	backward: func(_, y, dy float32) float32 { return dy * (1 - y*y) },
}

// Neuron kinds have no exception rules: the accelerated kernels cover every
// configuration.
var (
	reluPolicy    = engine.Policy[*layer.Parameter]{Kind: "ReLU", HasAccelerated: true}
	sigmoidPolicy = engine.Policy[*layer.Parameter]{Kind: "Sigmoid", HasAccelerated: true}
	tanhPolicy    = engine.Policy[*layer.Parameter]{Kind: "TanH", HasAccelerated: true}
)

// NeuronLayer applies an elementwise activation. Bottom and top may be the
// same tensor.
type NeuronLayer struct {
	layer.Base
	kind     string
	kernel   neuronKernel
	parallel bool
}

// NewReLULayer is the ReLU creator.
func NewReLULayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	k := reluKernel(param.ReLUParam().NegativeSlope)
	return newNeuron(reluPolicy, param, caps, k, k)
}

// NewSigmoidLayer is the Sigmoid creator.
func NewSigmoidLayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	return newNeuron(sigmoidPolicy, param, caps, sigmoidKernel, fastSigmoidKernel)
}

// NewTanHLayer is the TanH creator.
func NewTanHLayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	return newNeuron(tanhPolicy, param, caps, tanhKernel, tanhKernel)
}

func newNeuron(policy engine.Policy[*layer.Parameter], param *layer.Parameter, caps engine.Capabilities, ref, accel neuronKernel) (layer.Layer, error) {
	d, err := policy.Resolve(param.Engine, caps, param)
	if err != nil {
		return nil, err
	}
	l := &NeuronLayer{Base: layer.NewBase(param, d.Engine), kind: policy.Kind, kernel: ref}
	if d.Engine == engine.EngineAccelerated {
		l.kernel, l.parallel = accel, true
	}
	return l, nil
}

func (l *NeuronLayer) Type() string         { return l.kind }
func (l *NeuronLayer) ExactNumBottoms() int { return 1 }
func (l *NeuronLayer) MinTops() int         { return 1 }
func (l *NeuronLayer) MaxTops() int         { return 1 }

func (l *NeuronLayer) Setup(bottom, top []*tensor.Tensor) error {
	if err := layer.CheckCounts(l, bottom, top); err != nil {
		return err
	}
	return l.InferShape(bottom, top)
}

func (l *NeuronLayer) InferShape(bottom, top []*tensor.Tensor) error {
	if top[0] == bottom[0] {
		return nil
	}
	return top[0].ReshapeLike(bottom[0])
}

func (l *NeuronLayer) run(n int, fn func(start, end int)) {
	if l.parallel {
		device.ParallelFor(n, fn)
		return
	}
	fn(0, n)
}

func (l *NeuronLayer) Forward(bottom, top []*tensor.Tensor) error {
	in, out := bottom[0].Data(), top[0].Data()
	f := l.kernel.forward
	l.run(len(in), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = f(in[i])
		}
	})
	return nil
}

func (l *NeuronLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	if !layer.Propagate(propagateDown, 0) {
		return nil
	}
	in, out := bottom[0].Data(), top[0].Data()
	inDiff, outDiff := bottom[0].Diff(), top[0].Diff()
	b := l.kernel.backward
	l.run(len(in), func(start, end int) {
		for i := start; i < end; i++ {
			inDiff[i] = b(in[i], out[i], outDiff[i])
		}
	})
	return nil
}
