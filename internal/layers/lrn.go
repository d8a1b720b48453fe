package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// lrnAccelMaxWindow is the largest cross-channel window the accelerated
// kernel accepts.
const lrnAccelMaxWindow = 16

var lrnPolicy = engine.Policy[*layer.Parameter]{
	Kind:           "LRN",
	HasAccelerated: true,
	Exceptions: []engine.Rule[*layer.Parameter]{
		{Name: "local_size_limit", Applies: func(p *layer.Parameter) bool {
			c := p.LRNParam()
			return c.Region == layer.AcrossChannels && c.LocalSize > lrnAccelMaxWindow
		}},
	},
}

// NewLRNLayer is the LRN creator.
func NewLRNLayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	d, err := lrnPolicy.Resolve(param.Engine, caps, param)
	if err != nil {
		return nil, err
	}
	base := lrnBase{Base: layer.NewBase(param, d.Engine), conf: param.LRNParam()}
	if d.Engine == engine.EngineAccelerated {
		return &AccelLRNLayer{lrnBase: base}, nil
	}
	return &LRNLayer{lrnBase: base}, nil
}

type lrnBase struct {
	layer.Base
	conf layer.LRNParameter

	num, channels, height, width int
	// scale holds k + alpha/n * window sum of squares from the last forward.
	scale []float32
}

func (l *lrnBase) Type() string         { return "LRN" }
func (l *lrnBase) ExactNumBottoms() int { return 1 }
func (l *lrnBase) MinTops() int         { return 1 }
func (l *lrnBase) MaxTops() int         { return 1 }

func (l *lrnBase) Setup(bottom, top []*tensor.Tensor) error {
	if err := layer.CheckCounts(l, bottom, top); err != nil {
		return err
	}
	if l.conf.LocalSize < 1 || l.conf.LocalSize%2 == 0 {
		return errors.Wrapf(layer.ErrInvalidParameter, "LRN layer %q: local_size must be odd and positive, got %d", l.Name(), l.conf.LocalSize)
	}
	return l.InferShape(bottom, top)
}

func (l *lrnBase) InferShape(bottom, top []*tensor.Tensor) error {
	in := bottom[0]
	if in.NumAxes() != 4 {
		return errors.Wrapf(layer.ErrInvalidParameter, "LRN layer %q: bottom must be NCHW, got %s", l.Name(), in.ShapeString())
	}
	l.num, l.channels, l.height, l.width = in.Dim(0), in.Dim(1), in.Dim(2), in.Dim(3)
	if cap(l.scale) < in.Count() {
		l.scale = make([]float32, in.Count())
	}
	l.scale = l.scale[:in.Count()]
	return top[0].ReshapeLike(in)
}

// prePad is the number of window positions before the centre.
func (l *lrnBase) prePad() int { return (l.conf.LocalSize - 1) / 2 }

// alphaOverN is alpha divided by the number of window elements.
func (l *lrnBase) alphaOverN() float32 {
	n := l.conf.LocalSize
	if l.conf.Region == layer.WithinChannel {
		n *= n
	}
	return l.conf.Alpha / float32(n)
}

func (l *lrnBase) normalize(in, out []float32) {
	negBeta := float64(-l.conf.Beta)
	for i, x := range in {
		out[i] = x * float32(math.Pow(float64(l.scale[i]), negBeta))
	}
}

// LRNLayer is the reference local response normalisation: every window sum
// is gathered directly.
type LRNLayer struct {
	lrnBase
}

func (l *LRNLayer) Forward(bottom, top []*tensor.Tensor) error {
	in := bottom[0].Data()
	spatial := l.height * l.width
	pre, size := l.prePad(), l.conf.LocalSize
	a := l.alphaOverN()

	for n := 0; n < l.num; n++ {
		for c := 0; c < l.channels; c++ {
			for i := 0; i < spatial; i++ {
				var sum float32
				if l.conf.Region == layer.AcrossChannels {
					for cc := max(c-pre, 0); cc < min(c-pre+size, l.channels); cc++ {
						v := in[(n*l.channels+cc)*spatial+i]
						sum += v * v
					}
				} else {
					plane := in[(n*l.channels+c)*spatial:]
					h, w := i/l.width, i%l.width
					for y := max(h-pre, 0); y < min(h-pre+size, l.height); y++ {
						for x := max(w-pre, 0); x < min(w-pre+size, l.width); x++ {
							v := plane[y*l.width+x]
							sum += v * v
						}
					}
				}
				l.scale[(n*l.channels+c)*spatial+i] = l.conf.K + a*sum
			}
		}
	}
	l.normalize(in, top[0].Data())
	return nil
}

func (l *LRNLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	if !layer.Propagate(propagateDown, 0) {
		return nil
	}
	in, out := bottom[0].Data(), top[0].Data()
	inDiff, outDiff := bottom[0].Diff(), top[0].Diff()
	spatial := l.height * l.width
	pre, size := l.prePad(), l.conf.LocalSize
	post := size - 1 - pre
	negBeta := float64(-l.conf.Beta)
	coeff := 2 * l.alphaOverN() * l.conf.Beta

	ratio := func(j int) float32 { return outDiff[j] * out[j] / l.scale[j] }
	for n := 0; n < l.num; n++ {
		for c := 0; c < l.channels; c++ {
			for i := 0; i < spatial; i++ {
				idx := (n*l.channels+c)*spatial + i
				var acc float32
				if l.conf.Region == layer.AcrossChannels {
					// Channel c is inside the window of every cc in [c-post, c+pre].
					for cc := max(c-post, 0); cc <= min(c+pre, l.channels-1); cc++ {
						acc += ratio((n*l.channels+cc)*spatial + i)
					}
				} else {
					base := (n*l.channels + c) * spatial
					h, w := i/l.width, i%l.width
					for y := max(h-post, 0); y <= min(h+pre, l.height-1); y++ {
						for x := max(w-post, 0); x <= min(w+pre, l.width-1); x++ {
							acc += ratio(base + y*l.width + x)
						}
					}
				}
				inDiff[idx] = outDiff[idx]*float32(math.Pow(float64(l.scale[idx]), negBeta)) - coeff*in[idx]*acc
			}
		}
	}
	return nil
}
