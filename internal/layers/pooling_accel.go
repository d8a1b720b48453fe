package layers

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/device"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// AccelPoolingLayer runs average pooling plane-parallel, reading window
// sums from a summed-area table. Max pooling is not offered.
type AccelPoolingLayer struct {
	poolBase
}

func (l *AccelPoolingLayer) Setup(bottom, top []*tensor.Tensor) error {
	if l.conf.Method != layer.PoolAverage {
		return errors.Wrapf(layer.ErrInvalidParameter, "pooling layer %q: accelerated engine supports %s only, got %s",
			l.Name(), layer.PoolAverage, l.conf.Method)
	}
	return l.poolBase.Setup(bottom, top)
}

func (l *AccelPoolingLayer) Forward(bottom, top []*tensor.Tensor) error {
	g := l.geom
	in, out := bottom[0].Data(), top[0].Data()
	inPlane, outPlane := g.height*g.width, g.pooledH*g.pooledW

	device.ParallelFor(g.planes, func(start, end int) {
		sat := device.Scratch.Get((g.height + 1) * (g.width + 1))
		defer device.Scratch.Put(sat)
		for p := start; p < end; p++ {
			integralImage(in[p*inPlane:(p+1)*inPlane], g.height, g.width, sat)
			dst := out[p*outPlane : (p+1)*outPlane]
			for ph := 0; ph < g.pooledH; ph++ {
				for pw := 0; pw < g.pooledW; pw++ {
					hs, he, ws, we, size := g.window(ph, pw)
					dst[ph*g.pooledW+pw] = rectSum(sat, g.width, hs, he, ws, we) / float32(size)
				}
			}
		}
	})
	return nil
}

func (l *AccelPoolingLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	if !layer.Propagate(propagateDown, 0) {
		return nil
	}
	g := l.geom
	inDiff, outDiff := bottom[0].Diff(), top[0].Diff()
	inPlane, outPlane := g.height*g.width, g.pooledH*g.pooledW

	device.ParallelFor(g.planes, func(start, end int) {
		for p := start; p < end; p++ {
			dst := inDiff[p*inPlane : (p+1)*inPlane]
			clear(dst)
			avgUnpoolPlane(g, outDiff[p*outPlane:(p+1)*outPlane], dst)
		}
	})
	return nil
}
