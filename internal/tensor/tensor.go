// Package tensor provides the dense float32 buffer every layer reads and writes.
//
// A Tensor carries two buffers of identical length: Data holds activations
// and Diff holds the gradient flowing back through the same tensor. Shapes
// are row-major; the last axis is contiguous.
package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrAxisOutOfRange is returned when an axis index does not name a dimension.
var ErrAxisOutOfRange = errors.New("axis out of range")

// ErrInvalidShape is returned for negative dimensions or data/shape mismatches.
var ErrInvalidShape = errors.New("invalid shape")

// Tensor is a dense n-dimensional array with a paired gradient buffer.
type Tensor struct {
	shape []int
	data  []float32
	diff  []float32
	count int
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	t := &Tensor{}
	if err := t.Reshape(shape); err != nil {
		panic(fmt.Sprintf("tensor.New: %v", err))
	}
	return t
}

// FromSlice builds a tensor around a copy of data.
func FromSlice(shape []int, data []float32) (*Tensor, error) {
	t := &Tensor{}
	if err := t.Reshape(shape); err != nil {
		return nil, err
	}
	if len(data) != t.count {
		return nil, errors.Wrapf(ErrInvalidShape, "data length %d does not match shape %v (count %d)", len(data), shape, t.count)
	}
	copy(t.data, data)
	return t, nil
}

// Reshape changes the shape. Storage is reallocated only when the new count
// exceeds the current capacity; existing values are not preserved in that case.
func (t *Tensor) Reshape(shape []int) error {
	count := 1
	for i, d := range shape {
		if d < 0 {
			return errors.Wrapf(ErrInvalidShape, "dimension %d is negative (%d)", i, d)
		}
		count *= d
	}
	t.shape = append(t.shape[:0], shape...)
	t.count = count
	if cap(t.data) < count {
		t.data = make([]float32, count)
	} else {
		t.data = t.data[:count]
	}
	if cap(t.diff) < count {
		t.diff = make([]float32, count)
	} else {
		t.diff = t.diff[:count]
	}
	return nil
}

// ReshapeLike gives t the shape of other.
func (t *Tensor) ReshapeLike(other *Tensor) error {
	return t.Reshape(other.shape)
}

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int {
	out := make([]int, len(t.shape))
	copy(out, t.shape)
	return out
}

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	axis, err := t.CanonicalAxis(i)
	if err != nil {
		panic(fmt.Sprintf("tensor.Dim: %v", err))
	}
	return t.shape[axis]
}

// NumAxes returns the rank.
func (t *Tensor) NumAxes() int { return len(t.shape) }

// Count returns the number of elements.
func (t *Tensor) Count() int { return t.count }

// CountRange returns the product of dimensions in [start, end).
func (t *Tensor) CountRange(start, end int) int {
	if start < 0 || end > len(t.shape) || start > end {
		panic(fmt.Sprintf("tensor.CountRange: [%d, %d) invalid for rank %d", start, end, len(t.shape)))
	}
	n := 1
	for _, d := range t.shape[start:end] {
		n *= d
	}
	return n
}

// CountFrom returns the product of dimensions from start to the last axis.
func (t *Tensor) CountFrom(start int) int {
	return t.CountRange(start, len(t.shape))
}

// CanonicalAxis maps an axis in [-rank, rank) onto [0, rank).
func (t *Tensor) CanonicalAxis(axis int) (int, error) {
	rank := len(t.shape)
	if axis < -rank || axis >= rank {
		return 0, errors.Wrapf(ErrAxisOutOfRange, "axis %d for tensor of rank %d %s", axis, rank, t.ShapeString())
	}
	if axis < 0 {
		return axis + rank, nil
	}
	return axis, nil
}

// Offset returns the flat index of the given leading indices. Missing
// trailing indices are treated as zero.
func (t *Tensor) Offset(indices ...int) int {
	if len(indices) > len(t.shape) {
		panic(fmt.Sprintf("tensor.Offset: %d indices for rank %d", len(indices), len(t.shape)))
	}
	offset := 0
	for i, d := range t.shape {
		offset *= d
		if i < len(indices) {
			if indices[i] < 0 || indices[i] >= d {
				panic(fmt.Sprintf("tensor.Offset: index %d out of range for axis %d of size %d", indices[i], i, d))
			}
			offset += indices[i]
		}
	}
	return offset
}

// Data returns the activation buffer.
func (t *Tensor) Data() []float32 { return t.data }

// Diff returns the gradient buffer.
func (t *Tensor) Diff() []float32 { return t.diff }

// ShareData makes t use other's activation buffer. Counts must match.
func (t *Tensor) ShareData(other *Tensor) {
	if t.count != other.count {
		panic(fmt.Sprintf("tensor.ShareData: count %d != %d", t.count, other.count))
	}
	t.data = other.data
}

// ShareDiff makes t use other's gradient buffer. Counts must match.
func (t *Tensor) ShareDiff(other *Tensor) {
	if t.count != other.count {
		panic(fmt.Sprintf("tensor.ShareDiff: count %d != %d", t.count, other.count))
	}
	t.diff = other.diff
}

// Unshare gives t private buffers wherever it still uses other's storage,
// keeping the current values.
func (t *Tensor) Unshare(other *Tensor) {
	if sameBacking(t.data, other.data) {
		t.data = append([]float32(nil), t.data...)
	}
	if sameBacking(t.diff, other.diff) {
		t.diff = append([]float32(nil), t.diff...)
	}
}

func sameBacking(a, b []float32) bool {
	if cap(a) == 0 || cap(b) == 0 {
		return false
	}
	return &a[:cap(a)][cap(a)-1] == &b[:cap(b)][cap(b)-1]
}

// SetDiffZero clears the gradient buffer.
func (t *Tensor) SetDiffZero() {
	clear(t.diff)
}

// ShapeString formats the shape as "2 6 4 4 (192)".
func (t *Tensor) ShapeString() string {
	var sb strings.Builder
	for _, d := range t.shape {
		fmt.Fprintf(&sb, "%d ", d)
	}
	fmt.Fprintf(&sb, "(%d)", t.count)
	return sb.String()
}
