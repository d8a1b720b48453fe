package layers

import (
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-layers/internal/device"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// AccelConvolutionLayer lowers convolution to im2col + GEMM and runs images
// of the batch on separate workers.
type AccelConvolutionLayer struct {
	convBase
	ones []float32
}

func (l *AccelConvolutionLayer) Setup(bottom, top []*tensor.Tensor) error {
	if err := l.convBase.Setup(bottom, top); err != nil {
		return err
	}
	l.resizeOnes()
	return nil
}

func (l *AccelConvolutionLayer) InferShape(bottom, top []*tensor.Tensor) error {
	if err := l.convBase.InferShape(bottom, top); err != nil {
		return err
	}
	l.resizeOnes()
	return nil
}

func (l *AccelConvolutionLayer) resizeOnes() {
	n := l.geom.outSpatial()
	if len(l.ones) == n {
		return
	}
	l.ones = make([]float32, n)
	for i := range l.ones {
		l.ones[i] = 1
	}
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

func (l *AccelConvolutionLayer) Forward(bottom, top []*tensor.Tensor) error {
	g := l.geom
	if top[0].Count() == 0 {
		return nil
	}
	in, out := bottom[0].Data(), top[0].Data()
	w := l.weights().Data()
	var bias []float32
	if b := l.bias(); b != nil {
		bias = b.Data()
	}
	cg, og, kd, sp := g.channelsPerGroup(), g.outPerGroup(), g.kernelDim(), g.outSpatial()
	inStride, outStride := g.channels*g.inSpatial(), g.outChannels*sp

	device.ParallelFor(g.num, func(start, end int) {
		col := device.Scratch.Get(kd * sp)
		defer device.Scratch.Put(col)
		for n := start; n < end; n++ {
			img := in[n*inStride : (n+1)*inStride]
			dst := out[n*outStride : (n+1)*outStride]
			for grp := 0; grp < g.group; grp++ {
				im2col(img[grp*cg*g.inSpatial():], cg, g, col)
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
					general(og, kd, w[grp*og*kd:]),
					general(kd, sp, col),
					0, general(og, sp, dst[grp*og*sp:]))
			}
			if bias != nil {
				blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
					general(g.outChannels, 1, bias),
					general(1, sp, l.ones),
					1, general(g.outChannels, sp, dst))
			}
		}
	})
	return nil
}

func (l *AccelConvolutionLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	g := l.geom
	if top[0].Count() == 0 {
		return nil
	}
	in := bottom[0].Data()
	topDiff := top[0].Diff()
	w, wDiff := l.weights().Data(), l.weights().Diff()
	var bDiff []float32
	if b := l.bias(); b != nil {
		bDiff = b.Diff()
	}
	propagate := layer.Propagate(propagateDown, 0)
	var inDiff []float32
	if propagate {
		inDiff = bottom[0].Diff()
	}
	cg, og, kd, sp := g.channelsPerGroup(), g.outPerGroup(), g.kernelDim(), g.outSpatial()
	inStride, outStride := g.channels*g.inSpatial(), g.outChannels*sp

	var mu sync.Mutex
	device.ParallelFor(g.num, func(start, end int) {
		col := device.Scratch.Get(kd * sp)
		defer device.Scratch.Put(col)
		localW := device.Scratch.Get(len(wDiff))
		defer device.Scratch.Put(localW)
		var localB, colDiff []float32
		if bDiff != nil {
			localB = device.Scratch.Get(len(bDiff))
			defer device.Scratch.Put(localB)
		}
		if propagate {
			colDiff = device.Scratch.Get(kd * sp)
			defer device.Scratch.Put(colDiff)
		}

		for n := start; n < end; n++ {
			img := in[n*inStride : (n+1)*inStride]
			td := topDiff[n*outStride : (n+1)*outStride]
			if localB != nil {
				blas32.Gemv(blas.NoTrans, 1, general(g.outChannels, sp, td), vector(l.ones), 1, vector(localB))
			}
			var imgDiff []float32
			if propagate {
				imgDiff = inDiff[n*inStride : (n+1)*inStride]
				clear(imgDiff)
			}
			for grp := 0; grp < g.group; grp++ {
				tdg := general(og, sp, td[grp*og*sp:])
				im2col(img[grp*cg*g.inSpatial():], cg, g, col)
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, tdg, general(kd, sp, col), 1, general(og, kd, localW[grp*og*kd:]))
				if propagate {
					blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(og, kd, w[grp*og*kd:]), tdg, 0, general(kd, sp, colDiff))
					col2im(colDiff, cg, g, imgDiff[grp*cg*g.inSpatial():])
				}
			}
		}

		mu.Lock()
		defer mu.Unlock()
		blas32.Axpy(1, vector(localW), vector(wDiff))
		if localB != nil {
			blas32.Axpy(1, vector(localB), vector(bDiff))
		}
	})
	return nil
}
