package layers

import (
	"math"

	"github.com/23skdu/longbow-layers/internal/device"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/simd"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// AccelLRNLayer keeps a running window sum instead of re-gathering every
// window: across channels it slides along the channel axis one image at a
// time, within a channel it reads from a summed-area table.
type AccelLRNLayer struct {
	lrnBase
}

func (l *AccelLRNLayer) Forward(bottom, top []*tensor.Tensor) error {
	in := bottom[0].Data()
	spatial := l.height * l.width
	pre := l.prePad()
	post := l.conf.LocalSize - 1 - pre
	a := l.alphaOverN()

	if l.conf.Region == layer.AcrossChannels {
		device.ParallelFor(l.num, func(start, end int) {
			acc := device.Scratch.Get(spatial)
			defer device.Scratch.Put(acc)
			for n := start; n < end; n++ {
				img := in[n*l.channels*spatial : (n+1)*l.channels*spatial]
				scale := l.scale[n*l.channels*spatial : (n+1)*l.channels*spatial]
				clear(acc)
				for c := 0; c < min(post, l.channels); c++ {
					simd.AddSquares(acc, img[c*spatial:(c+1)*spatial], 1)
				}
				for c := 0; c < l.channels; c++ {
					if head := c + post; head < l.channels {
						simd.AddSquares(acc, img[head*spatial:(head+1)*spatial], 1)
					}
					dst := scale[c*spatial : (c+1)*spatial]
					for i, s := range acc {
						dst[i] = l.conf.K + a*s
					}
					if tail := c - pre; tail >= 0 {
						simd.AddSquares(acc, img[tail*spatial:(tail+1)*spatial], -1)
					}
				}
			}
		})
	} else {
		device.ParallelFor(l.num*l.channels, func(start, end int) {
			sq := device.Scratch.Get(spatial)
			defer device.Scratch.Put(sq)
			sat := device.Scratch.Get((l.height + 1) * (l.width + 1))
			defer device.Scratch.Put(sat)
			for p := start; p < end; p++ {
				plane := in[p*spatial : (p+1)*spatial]
				simd.Square(sq, plane)
				integralImage(sq, l.height, l.width, sat)
				dst := l.scale[p*spatial : (p+1)*spatial]
				for h := 0; h < l.height; h++ {
					for w := 0; w < l.width; w++ {
						s := rectSum(sat, l.width, max(h-pre, 0), min(h+post+1, l.height), max(w-pre, 0), min(w+post+1, l.width))
						dst[h*l.width+w] = l.conf.K + a*s
					}
				}
			}
		})
	}

	out := top[0].Data()
	negBeta := float64(-l.conf.Beta)
	device.ParallelFor(len(in), func(start, end int) {
		for i := start; i < end; i++ {
			out[i] = in[i] * float32(math.Pow(float64(l.scale[i]), negBeta))
		}
	})
	return nil
}

func (l *AccelLRNLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	if !layer.Propagate(propagateDown, 0) {
		return nil
	}
	in, out := bottom[0].Data(), top[0].Data()
	inDiff, outDiff := bottom[0].Diff(), top[0].Diff()
	spatial := l.height * l.width
	pre := l.prePad()
	post := l.conf.LocalSize - 1 - pre
	negBeta := float64(-l.conf.Beta)
	coeff := 2 * l.alphaOverN() * l.conf.Beta

	grad := func(idx int, acc float32) {
		inDiff[idx] = outDiff[idx]*float32(math.Pow(float64(l.scale[idx]), negBeta)) - coeff*in[idx]*acc
	}

	if l.conf.Region == layer.AcrossChannels {
		per := l.channels * spatial
		device.ParallelFor(l.num, func(start, end int) {
			ratio := device.Scratch.Get(per)
			defer device.Scratch.Put(ratio)
			acc := device.Scratch.Get(spatial)
			defer device.Scratch.Put(acc)
			for n := start; n < end; n++ {
				base := n * per
				simd.MulDiv(ratio, outDiff[base:], out[base:], l.scale[base:])
				// Channel c collects from the windows of [c-post, c+pre].
				clear(acc)
				for c := 0; c < min(pre, l.channels); c++ {
					simd.AddScaled(acc, ratio[c*spatial:(c+1)*spatial], 1)
				}
				for c := 0; c < l.channels; c++ {
					if head := c + pre; head < l.channels {
						simd.AddScaled(acc, ratio[head*spatial:(head+1)*spatial], 1)
					}
					for i, s := range acc {
						grad(base+c*spatial+i, s)
					}
					if tail := c - post; tail >= 0 {
						simd.AddScaled(acc, ratio[tail*spatial:(tail+1)*spatial], -1)
					}
				}
			}
		})
		return nil
	}

	device.ParallelFor(l.num*l.channels, func(start, end int) {
		ratio := device.Scratch.Get(spatial)
		defer device.Scratch.Put(ratio)
		sat := device.Scratch.Get((l.height + 1) * (l.width + 1))
		defer device.Scratch.Put(sat)
		for p := start; p < end; p++ {
			base := p * spatial
			simd.MulDiv(ratio, outDiff[base:], out[base:], l.scale[base:])
			integralImage(ratio, l.height, l.width, sat)
			for h := 0; h < l.height; h++ {
				for w := 0; w < l.width; w++ {
					s := rectSum(sat, l.width, max(h-post, 0), min(h+pre+1, l.height), max(w-post, 0), min(w+pre+1, l.width))
					grad(base+h*l.width+w, s)
				}
			}
		}
	})
	return nil
}
