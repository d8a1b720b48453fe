package layers

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// slicePolicy has no accelerated variant: Slice is a pure copy.
var slicePolicy = engine.Policy[*layer.Parameter]{Kind: "Slice"}

// CopyRun is one contiguous copy between the bottom and a top. Runs are
// independent of each other and may be executed in any order.
type CopyRun struct {
	Top          int
	BottomOffset int
	TopOffset    int
	Len          int
}

// SliceLayer partitions its bottom along one axis into several tops.
type SliceLayer struct {
	layer.Base

	sliceAxis  int
	numSlices  int
	numOuter   int
	sliceSize  int
	partitions []int
	runs       []CopyRun
	shared     bool
}

// NewSliceLayer is the Slice creator.
func NewSliceLayer(param *layer.Parameter, caps engine.Capabilities) (layer.Layer, error) {
	d, err := slicePolicy.Resolve(param.Engine, caps, param)
	if err != nil {
		return nil, err
	}
	return &SliceLayer{Base: layer.NewBase(param, d.Engine)}, nil
}

func (l *SliceLayer) Type() string         { return "Slice" }
func (l *SliceLayer) ExactNumBottoms() int { return 1 }
func (l *SliceLayer) MinTops() int         { return 1 }

func (l *SliceLayer) Setup(bottom, top []*tensor.Tensor) error {
	if err := layer.CheckCounts(l, bottom, top); err != nil {
		return err
	}
	return l.InferShape(bottom, top)
}

// InferShape resolves the axis and partition sizes and reshapes every top.
func (l *SliceLayer) InferShape(bottom, top []*tensor.Tensor) error {
	if err := layer.CheckCounts(l, bottom, top); err != nil {
		return err
	}
	p := l.Param.SliceParam()
	in := bottom[0]

	axis, err := in.CanonicalAxis(p.Axis)
	if err != nil {
		return errors.Wrapf(err, "slice layer %q", l.Name())
	}
	axisDim := in.Dim(axis)

	numSlices := len(top)
	partitions := make([]int, numSlices)
	if len(p.SlicePoints) > 0 {
		if len(p.SlicePoints) != numSlices-1 {
			return errors.Wrapf(layer.ErrInvalidSliceConfiguration,
				"slice layer %q: %d slice points need %d tops, got %d",
				l.Name(), len(p.SlicePoints), len(p.SlicePoints)+1, numSlices)
		}
		prev := 0
		for i, point := range p.SlicePoints {
			if point <= prev {
				return errors.Wrapf(layer.ErrInvalidSliceConfiguration,
					"slice layer %q: slice point %d (%d) must be greater than %d", l.Name(), i, point, prev)
			}
			if point >= axisDim {
				return errors.Wrapf(layer.ErrInvalidSliceConfiguration,
					"slice layer %q: slice point %d (%d) must be less than axis %d size %d", l.Name(), i, point, axis, axisDim)
			}
			partitions[i] = point - prev
			prev = point
		}
		partitions[numSlices-1] = axisDim - prev
	} else {
		if axisDim%numSlices != 0 {
			return errors.Wrapf(layer.ErrInvalidSliceConfiguration,
				"slice layer %q: axis %d size %d is not divisible by %d tops", l.Name(), axis, axisDim, numSlices)
		}
		for i := range partitions {
			partitions[i] = axisDim / numSlices
		}
	}

	shape := in.Shape()
	for i, t := range top {
		if numSlices > 1 {
			// An earlier single-top setup left t on the bottom's buffers.
			t.Unshare(in)
		}
		shape[axis] = partitions[i]
		if err := t.Reshape(shape); err != nil {
			return err
		}
	}

	l.sliceAxis = axis
	l.numSlices = numSlices
	l.numOuter = in.CountRange(0, axis)
	l.sliceSize = in.CountFrom(axis + 1)
	l.partitions = partitions
	l.shared = numSlices == 1
	if l.shared {
		top[0].ShareData(in)
		top[0].ShareDiff(in)
		l.runs = nil
		return nil
	}
	l.runs = l.plan(axisDim)
	return nil
}

// plan lays out the copies in top order, then outer-index order.
func (l *SliceLayer) plan(axisDim int) []CopyRun {
	runs := make([]CopyRun, 0, l.numSlices*l.numOuter)
	offset := 0
	for i, part := range l.partitions {
		n := part * l.sliceSize
		for outer := 0; outer < l.numOuter; outer++ {
			runs = append(runs, CopyRun{
				Top:          i,
				BottomOffset: (outer*axisDim + offset) * l.sliceSize,
				TopOffset:    outer * n,
				Len:          n,
			})
		}
		offset += part
	}
	return runs
}

// Forward copies each partition of the bottom into its top.
func (l *SliceLayer) Forward(bottom, top []*tensor.Tensor) error {
	if l.shared {
		return nil
	}
	if len(top) != l.numSlices {
		return errors.Wrapf(layer.ErrBlobCount, "slice layer %q: shaped for %d tops, got %d", l.Name(), l.numSlices, len(top))
	}
	src := bottom[0].Data()
	for _, r := range l.runs {
		copy(top[r.Top].Data()[r.TopOffset:r.TopOffset+r.Len], src[r.BottomOffset:r.BottomOffset+r.Len])
	}
	return nil
}

// Backward scatters every top diff back into its region of the bottom diff.
// The partitions are disjoint, so this is a copy rather than a sum.
func (l *SliceLayer) Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error {
	if !layer.Propagate(propagateDown, 0) || l.shared {
		return nil
	}
	if len(top) != l.numSlices {
		return errors.Wrapf(layer.ErrBlobCount, "slice layer %q: shaped for %d tops, got %d", l.Name(), l.numSlices, len(top))
	}
	dst := bottom[0].Diff()
	for _, r := range l.runs {
		copy(dst[r.BottomOffset:r.BottomOffset+r.Len], top[r.Top].Diff()[r.TopOffset:r.TopOffset+r.Len])
	}
	return nil
}

// Axis returns the resolved slice axis.
func (l *SliceLayer) Axis() int { return l.sliceAxis }

// Partitions returns the per-top sizes along the slice axis.
func (l *SliceLayer) Partitions() []int {
	out := make([]int, len(l.partitions))
	copy(out, l.partitions)
	return out
}

// SliceSize returns the number of elements after the slice axis.
func (l *SliceLayer) SliceSize() int { return l.sliceSize }

// CopyRuns returns the copy plan of the last InferShape. It is empty when a
// single top shares the bottom's storage.
func (l *SliceLayer) CopyRuns() []CopyRun {
	out := make([]CopyRun, len(l.runs))
	copy(out, l.runs)
	return out
}
