package layers

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

var convPolicy = engine.Policy[*layer.Parameter]{
	Kind:           "Convolution",
	HasAccelerated: true,
	Exceptions: []engine.Rule[*layer.Parameter]{
		// The GEMM path has no dilated variant.
		{Name: "dilation", Applies: func(p *layer.Parameter) bool { return p.ConvParam().Dilation > 1 }},
	},
}

// NewConvolutionLayer is the Convolution creator.
func NewConvolutionLayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	d, err := convPolicy.Resolve(param.Engine, caps, param)
	if err != nil {
		return nil, err
	}
	base := convBase{Base: layer.NewBase(param, d.Engine), conf: param.ConvParam()}
	if d.Engine == engine.EngineAccelerated {
		return &AccelConvolutionLayer{convBase: base}, nil
	}
	return &ConvolutionLayer{convBase: base}, nil
}

// convGeometry is the NCHW layout shared by both convolution engines.
type convGeometry struct {
	num, channels, height, width int
	outChannels, outH, outW      int
	group, kernel, stride, pad   int
	dilation                     int
}

func (g convGeometry) channelsPerGroup() int { return g.channels / g.group }
func (g convGeometry) outPerGroup() int      { return g.outChannels / g.group }
func (g convGeometry) kernelDim() int        { return g.channelsPerGroup() * g.kernel * g.kernel }
func (g convGeometry) outSpatial() int       { return g.outH * g.outW }
func (g convGeometry) inSpatial() int        { return g.height * g.width }

type convBase struct {
	layer.Base
	conf layer.ConvolutionParameter
	geom convGeometry
}

func (l *convBase) Type() string         { return "Convolution" }
func (l *convBase) ExactNumBottoms() int { return 1 }
func (l *convBase) MinTops() int         { return 1 }
func (l *convBase) MaxTops() int         { return 1 }

func (l *convBase) weights() *tensor.Tensor { return l.Blobs()[0] }

func (l *convBase) bias() *tensor.Tensor {
	if l.conf.DisableBias {
		return nil
	}
	return l.Blobs()[1]
}

func (l *convBase) Setup(bottom, top []*tensor.Tensor) error {
	if err := layer.CheckCounts(l, bottom, top); err != nil {
		return err
	}
	c := l.conf
	if c.NumOutput < 1 || c.Kernel < 1 || c.Pad < 0 || c.Stride < 1 || c.Dilation < 1 || c.Group < 1 {
		return errors.Wrapf(layer.ErrInvalidParameter,
			"convolution layer %q: num_output %d kernel %d pad %d stride %d dilation %d group %d",
			l.Name(), c.NumOutput, c.Kernel, c.Pad, c.Stride, c.Dilation, c.Group)
	}
	if bottom[0].NumAxes() != 4 {
		return errors.Wrapf(layer.ErrInvalidParameter, "convolution layer %q: bottom must be NCHW, got %s", l.Name(), bottom[0].ShapeString())
	}
	channels := bottom[0].Dim(1)
	if channels%c.Group != 0 || c.NumOutput%c.Group != 0 {
		return errors.Wrapf(layer.ErrInvalidParameter,
			"convolution layer %q: group %d must divide channels %d and num_output %d", l.Name(), c.Group, channels, c.NumOutput)
	}

	if len(l.Blobs()) == 0 {
		w := tensor.New(c.NumOutput, channels/c.Group, c.Kernel, c.Kernel)
		if err := fill(w, c.WeightFiller, w.Count()/c.NumOutput); err != nil {
			return errors.Wrapf(err, "convolution layer %q weights", l.Name())
		}
		if c.DisableBias {
			l.SetBlobs(w)
		} else {
			b := tensor.New(c.NumOutput)
			if err := fill(b, c.BiasFiller, 1); err != nil {
				return errors.Wrapf(err, "convolution layer %q bias", l.Name())
			}
			l.SetBlobs(w, b)
		}
	}
	return l.InferShape(bottom, top)
}

func (l *convBase) InferShape(bottom, top []*tensor.Tensor) error {
	in := bottom[0]
	if in.NumAxes() != 4 {
		return errors.Wrapf(layer.ErrInvalidParameter, "convolution layer %q: bottom must be NCHW, got %s", l.Name(), in.ShapeString())
	}
	c := l.conf
	if len(l.Blobs()) > 0 && in.Dim(1) != l.weights().Dim(1)*c.Group {
		return errors.Wrapf(layer.ErrInvalidParameter,
			"convolution layer %q: input channels %d do not match weights %s", l.Name(), in.Dim(1), l.weights().ShapeString())
	}
	extent := c.Dilation*(c.Kernel-1) + 1
	g := convGeometry{
		num:         in.Dim(0),
		channels:    in.Dim(1),
		height:      in.Dim(2),
		width:       in.Dim(3),
		outChannels: c.NumOutput,
		group:       c.Group,
		kernel:      c.Kernel,
		stride:      c.Stride,
		pad:         c.Pad,
		dilation:    c.Dilation,
	}
	g.outH = (g.height+2*g.pad-extent)/g.stride + 1
	g.outW = (g.width+2*g.pad-extent)/g.stride + 1
	if g.outH < 1 || g.outW < 1 {
		return errors.Wrapf(layer.ErrInvalidParameter,
			"convolution layer %q: kernel extent %d exceeds padded input %dx%d", l.Name(), extent, g.height+2*g.pad, g.width+2*g.pad)
	}
	l.geom = g
	return top[0].Reshape([]int{g.num, g.outChannels, g.outH, g.outW})
}

// ConvolutionLayer is the reference convolution: direct loops over the window.
type ConvolutionLayer struct {
	convBase
}

func (l *ConvolutionLayer) Forward(bottom, top []*tensor.Tensor) error {
	g := l.geom
	in, out := bottom[0].Data(), top[0].Data()
	w := l.weights().Data()
	var bias []float32
	if b := l.bias(); b != nil {
		bias = b.Data()
	}
	cg, og := g.channelsPerGroup(), g.outPerGroup()
	k := g.kernel

	for n := 0; n < g.num; n++ {
		for o := 0; o < g.outChannels; o++ {
			grp := o / og
			for y := 0; y < g.outH; y++ {
				for x := 0; x < g.outW; x++ {
					var sum float32
					if bias != nil {
						sum = bias[o]
					}
					for ci := 0; ci < cg; ci++ {
						c := grp*cg + ci
						for ky := 0; ky < k; ky++ {
							iy := y*g.stride - g.pad + ky*g.dilation
							if iy < 0 || iy >= g.height {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := x*g.stride - g.pad + kx*g.dilation
								if ix < 0 || ix >= g.width {
									continue
								}
								sum += w[((o*cg+ci)*k+ky)*k+kx] * in[((n*g.channels+c)*g.height+iy)*g.width+ix]
							}
						}
					}
					out[((n*g.outChannels+o)*g.outH+y)*g.outW+x] = sum
				}
			}
		}
	}
	return nil
}

// Backward accumulates weight and bias gradients and, when requested,
// overwrites the bottom diff.
func (l *ConvolutionLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	g := l.geom
	in := bottom[0].Data()
	topDiff := top[0].Diff()
	w, wDiff := l.weights().Data(), l.weights().Diff()
	propagate := layer.Propagate(propagateDown, 0)
	var inDiff []float32
	if propagate {
		inDiff = bottom[0].Diff()
		clear(inDiff)
	}
	if b := l.bias(); b != nil {
		bDiff := b.Diff()
		for n := 0; n < g.num; n++ {
			for o := 0; o < g.outChannels; o++ {
				base := (n*g.outChannels + o) * g.outSpatial()
				for _, v := range topDiff[base : base+g.outSpatial()] {
					bDiff[o] += v
				}
			}
		}
	}

	cg, og := g.channelsPerGroup(), g.outPerGroup()
	k := g.kernel
	for n := 0; n < g.num; n++ {
		for o := 0; o < g.outChannels; o++ {
			grp := o / og
			for y := 0; y < g.outH; y++ {
				for x := 0; x < g.outW; x++ {
					dy := topDiff[((n*g.outChannels+o)*g.outH+y)*g.outW+x]
					if dy == 0 {
						continue
					}
					for ci := 0; ci < cg; ci++ {
						c := grp*cg + ci
						for ky := 0; ky < k; ky++ {
							iy := y*g.stride - g.pad + ky*g.dilation
							if iy < 0 || iy >= g.height {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := x*g.stride - g.pad + kx*g.dilation
								if ix < 0 || ix >= g.width {
									continue
								}
								wi := ((o*cg+ci)*k+ky)*k + kx
								ii := ((n*g.channels+c)*g.height+iy)*g.width + ix
								wDiff[wi] += dy * in[ii]
								if propagate {
									inDiff[ii] += dy * w[wi]
								}
							}
						}
					}
				}
			}
		}
	}
	return nil
}
