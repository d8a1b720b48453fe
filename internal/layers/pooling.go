package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

var poolingPolicy = engine.Policy[*layer.Parameter]{
	Kind:           "Pooling",
	HasAccelerated: true,
	Exceptions: []engine.Rule[*layer.Parameter]{
		// The accelerated kernel writes a single top.
		{Name: "multiple_tops", Applies: func(p *layer.Parameter) bool { return p.Tops() > 1 }},
		// Max pooling keeps argmax indices that in-place consumers downstream
		// invalidate in the accelerated kernel; it always runs on reference.
		{Name: "max_pooling", Applies: func(p *layer.Parameter) bool { return p.PoolParam().Method == layer.PoolMax }},
	},
}

// NewPoolingLayer is the Pooling creator.
func NewPoolingLayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	d, err := poolingPolicy.Resolve(param.Engine, caps, param)
	if err != nil {
		return nil, err
	}
	base := poolBase{Base: layer.NewBase(param, d.Engine), conf: param.PoolParam()}
	if d.Engine == engine.EngineAccelerated {
		return &AccelPoolingLayer{poolBase: base}, nil
	}
	return &PoolingLayer{poolBase: base}, nil
}

type poolGeometry struct {
	planes           int // num * channels
	height, width    int
	pooledH, pooledW int
	kernelH, kernelW int
	stride, pad      int
}

type poolBase struct {
	layer.Base
	conf layer.PoolingParameter
	geom poolGeometry
}

func (l *poolBase) Type() string         { return "Pooling" }
func (l *poolBase) ExactNumBottoms() int { return 1 }
func (l *poolBase) MinTops() int         { return 1 }

// MaxTops allows the argmax mask as a second top for max pooling.
func (l *poolBase) MaxTops() int {
	if l.conf.Method == layer.PoolMax {
		return 2
	}
	return 1
}

func (l *poolBase) Setup(bottom, top []*tensor.Tensor) error {
	if err := layer.CheckCounts(l, bottom, top); err != nil {
		return err
	}
	c := l.conf
	if !c.Global && (c.Kernel < 1 || c.Stride < 1 || c.Pad < 0 || c.Pad >= c.Kernel) {
		return errors.Wrapf(layer.ErrInvalidParameter,
			"pooling layer %q: kernel %d stride %d pad %d", l.Name(), c.Kernel, c.Stride, c.Pad)
	}
	return l.InferShape(bottom, top)
}

// InferShape applies the ceil output rule, dropping a last window that would
// start inside the padding.
func (l *poolBase) InferShape(bottom, top []*tensor.Tensor) error {
	in := bottom[0]
	if in.NumAxes() != 4 {
		return errors.Wrapf(layer.ErrInvalidParameter, "pooling layer %q: bottom must be NCHW, got %s", l.Name(), in.ShapeString())
	}
	c := l.conf
	g := poolGeometry{
		planes: in.Dim(0) * in.Dim(1),
		height: in.Dim(2),
		width:  in.Dim(3),
	}
	if c.Global {
		g.kernelH, g.kernelW, g.stride, g.pad = g.height, g.width, 1, 0
	} else {
		g.kernelH, g.kernelW, g.stride, g.pad = c.Kernel, c.Kernel, c.Stride, c.Pad
	}
	g.pooledH = int(math.Ceil(float64(g.height+2*g.pad-g.kernelH)/float64(g.stride))) + 1
	g.pooledW = int(math.Ceil(float64(g.width+2*g.pad-g.kernelW)/float64(g.stride))) + 1
	if g.pad > 0 {
		if (g.pooledH-1)*g.stride >= g.height+g.pad {
			g.pooledH--
		}
		if (g.pooledW-1)*g.stride >= g.width+g.pad {
			g.pooledW--
		}
	}
	if g.pooledH < 1 || g.pooledW < 1 {
		return errors.Wrapf(layer.ErrInvalidParameter,
			"pooling layer %q: kernel %dx%d larger than padded input %dx%d", l.Name(), g.kernelH, g.kernelW, g.height+2*g.pad, g.width+2*g.pad)
	}
	l.geom = g
	shape := []int{in.Dim(0), in.Dim(1), g.pooledH, g.pooledW}
	for _, t := range top {
		if err := t.Reshape(shape); err != nil {
			return err
		}
	}
	return nil
}

// window returns the clipped input window of output (ph, pw) and the
// divisor average pooling uses, which counts padded positions.
func (g poolGeometry) window(ph, pw int) (hs, he, ws, we, size int) {
	hs = ph*g.stride - g.pad
	ws = pw*g.stride - g.pad
	he = min(hs+g.kernelH, g.height+g.pad)
	we = min(ws+g.kernelW, g.width+g.pad)
	size = (he - hs) * (we - ws)
	hs, ws = max(hs, 0), max(ws, 0)
	he, we = min(he, g.height), min(we, g.width)
	return hs, he, ws, we, size
}

// PoolingLayer is the reference implementation of max and average pooling.
type PoolingLayer struct {
	poolBase
	argmax []int
}

func (l *PoolingLayer) Forward(bottom, top []*tensor.Tensor) error {
	g := l.geom
	in, out := bottom[0].Data(), top[0].Data()
	inPlane, outPlane := g.height*g.width, g.pooledH*g.pooledW

	if l.conf.Method == layer.PoolAverage {
		for p := 0; p < g.planes; p++ {
			avgPoolPlane(g, in[p*inPlane:(p+1)*inPlane], out[p*outPlane:(p+1)*outPlane])
		}
		return nil
	}

	if cap(l.argmax) < len(out) {
		l.argmax = make([]int, len(out))
	}
	l.argmax = l.argmax[:len(out)]
	var mask []float32
	if len(top) > 1 {
		mask = top[1].Data()
	}
	for p := 0; p < g.planes; p++ {
		src := in[p*inPlane : (p+1)*inPlane]
		for ph := 0; ph < g.pooledH; ph++ {
			for pw := 0; pw < g.pooledW; pw++ {
				hs, he, ws, we, _ := g.window(ph, pw)
				best, bestIdx := float32(math.Inf(-1)), -1
				for h := hs; h < he; h++ {
					for w := ws; w < we; w++ {
						if idx := h*g.width + w; src[idx] > best || bestIdx < 0 {
							best, bestIdx = src[idx], idx
						}
					}
				}
				o := p*outPlane + ph*g.pooledW + pw
				out[o] = best
				l.argmax[o] = bestIdx
				if mask != nil {
					mask[o] = float32(bestIdx)
				}
			}
		}
	}
	return nil
}

func (l *PoolingLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	if !layer.Propagate(propagateDown, 0) {
		return nil
	}
	g := l.geom
	inDiff, outDiff := bottom[0].Diff(), top[0].Diff()
	inPlane, outPlane := g.height*g.width, g.pooledH*g.pooledW
	clear(inDiff)

	if l.conf.Method == layer.PoolAverage {
		for p := 0; p < g.planes; p++ {
			avgUnpoolPlane(g, outDiff[p*outPlane:(p+1)*outPlane], inDiff[p*inPlane:(p+1)*inPlane])
		}
		return nil
	}
	if len(l.argmax) != len(outDiff) {
		return errors.Wrapf(layer.ErrInvalidParameter, "pooling layer %q: backward before forward", l.Name())
	}
	for p := 0; p < g.planes; p++ {
		for i := 0; i < outPlane; i++ {
			o := p*outPlane + i
			if idx := l.argmax[o]; idx >= 0 {
				inDiff[p*inPlane+idx] += outDiff[o]
			}
		}
	}
	return nil
}

func avgPoolPlane(g poolGeometry, src, dst []float32) {
	for ph := 0; ph < g.pooledH; ph++ {
		for pw := 0; pw < g.pooledW; pw++ {
			hs, he, ws, we, size := g.window(ph, pw)
			var sum float32
			for h := hs; h < he; h++ {
				for w := ws; w < we; w++ {
					sum += src[h*g.width+w]
				}
			}
			dst[ph*g.pooledW+pw] = sum / float32(size)
		}
	}
}

func avgUnpoolPlane(g poolGeometry, topDiff, bottomDiff []float32) {
	for ph := 0; ph < g.pooledH; ph++ {
		for pw := 0; pw < g.pooledW; pw++ {
			hs, he, ws, we, size := g.window(ph, pw)
			d := topDiff[ph*g.pooledW+pw] / float32(size)
			for h := hs; h < he; h++ {
				for w := ws; w < we; w++ {
					bottomDiff[h*g.width+w] += d
				}
			}
		}
	}
}
