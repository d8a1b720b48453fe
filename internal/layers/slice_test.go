package layers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

func newTops(n int) []*tensor.Tensor {
	top := make([]*tensor.Tensor, n)
	for i := range top {
		top[i] = tensor.New(1)
	}
	return top
}

// ramp returns a tensor whose element i holds float32(i).
func ramp(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data() {
		t.Data()[i] = float32(i)
	}
	return t
}

func newSlice(t *testing.T, axis int, points ...int) *SliceLayer {
	t.Helper()
	l, err := NewSliceLayer(&layer.Parameter{
		Name:  "slice",
		Type:  "Slice",
		Slice: &layer.SliceParameter{Axis: axis, SlicePoints: points},
	}, engine.ReferenceAndAccelerated())
	require.NoError(t, err)
	return l.(*SliceLayer)
}

func TestSlice_ExplicitPoints(t *testing.T) {
	l := newSlice(t, 1, 2, 4)
	bottom := []*tensor.Tensor{ramp(2, 6, 4, 4)}
	top := newTops(3)
	require.NoError(t, l.Setup(bottom, top))

	for _, tp := range top {
		assert.Equal(t, []int{2, 2, 4, 4}, tp.Shape())
	}
	assert.Equal(t, []int{2, 2, 2}, l.Partitions())
	assert.Equal(t, 1, l.Axis())
	assert.Equal(t, 16, l.SliceSize())
	assert.Equal(t, engine.EngineReference, l.Engine())

	require.NoError(t, l.Forward(bottom, top))
	// Top 1, image 1 starts at channel 2 of image 1 in the bottom.
	assert.Equal(t, float32((1*6+2)*16), top[1].Data()[32])
	for i, tp := range top {
		for n := 0; n < 2; n++ {
			for c := 0; c < 2; c++ {
				for s := 0; s < 16; s++ {
					want := bottom[0].Data()[bottom[0].Offset(n, 2*i+c)+s]
					require.Equal(t, want, tp.Data()[tp.Offset(n, c)+s])
				}
			}
		}
	}
}

func TestSlice_EvenSplit(t *testing.T) {
	l := newSlice(t, 1)
	bottom := []*tensor.Tensor{ramp(2, 9, 4, 4)}
	top := newTops(3)
	require.NoError(t, l.Setup(bottom, top))
	for _, tp := range top {
		assert.Equal(t, []int{2, 3, 4, 4}, tp.Shape())
	}

	l2 := newSlice(t, 1)
	err := l2.Setup(bottom, newTops(2))
	require.ErrorIs(t, err, layer.ErrInvalidSliceConfiguration)
}

func TestSlice_PartitionsCoverAxis(t *testing.T) {
	tests := []struct {
		name   string
		shape  []int
		axis   int
		points []int
		tops   int
	}{
		{name: "uneven points", shape: []int{3, 10, 2}, axis: 1, points: []int{1, 7}, tops: 3},
		{name: "leading axis", shape: []int{5, 4}, axis: 0, points: []int{3}, tops: 2},
		{name: "trailing axis even", shape: []int{2, 3, 8}, axis: 2, tops: 4},
		{name: "negative axis", shape: []int{2, 3, 8}, axis: -1, points: []int{5}, tops: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newSlice(t, tt.axis, tt.points...)
			bottom := []*tensor.Tensor{ramp(tt.shape...)}
			top := newTops(tt.tops)
			require.NoError(t, l.Setup(bottom, top))

			axis := l.Axis()
			sum, count := 0, 0
			for i, tp := range top {
				sum += tp.Dim(axis)
				count += tp.Count()
				assert.Equal(t, l.Partitions()[i], tp.Dim(axis))
				for a := range tt.shape {
					if a != axis {
						assert.Equal(t, tt.shape[a], tp.Dim(a))
					}
				}
			}
			assert.Equal(t, tt.shape[axis], sum)
			assert.Equal(t, bottom[0].Count(), count)
		})
	}
}

func TestSlice_RoundTrip(t *testing.T) {
	l := newSlice(t, 2, 1, 3)
	bottom := []*tensor.Tensor{ramp(2, 3, 5, 2)}
	top := newTops(3)
	require.NoError(t, l.Setup(bottom, top))
	require.NoError(t, l.Forward(bottom, top))

	// Feed each top's data back as its diff; the bottom diff must equal the
	// bottom data.
	for _, tp := range top {
		copy(tp.Diff(), tp.Data())
	}
	require.NoError(t, l.Backward(top, []bool{true}, bottom))
	assert.Equal(t, bottom[0].Data(), bottom[0].Diff())
}

func TestSlice_InferShapeIdempotent(t *testing.T) {
	l := newSlice(t, 1, 2, 4)
	bottom := []*tensor.Tensor{ramp(2, 6, 4, 4)}
	top := newTops(3)
	require.NoError(t, l.Setup(bottom, top))
	runs := l.CopyRuns()
	shapes := [][]int{top[0].Shape(), top[1].Shape(), top[2].Shape()}

	require.NoError(t, l.InferShape(bottom, top))
	assert.Equal(t, runs, l.CopyRuns())
	for i, tp := range top {
		assert.Equal(t, shapes[i], tp.Shape())
	}
}

func TestSlice_Reshape(t *testing.T) {
	l := newSlice(t, 1, 2, 4)
	top := newTops(3)
	require.NoError(t, l.Setup([]*tensor.Tensor{ramp(2, 6, 4, 4)}, top))

	bottom := []*tensor.Tensor{ramp(1, 6, 3, 3)}
	require.NoError(t, l.InferShape(bottom, top))
	assert.Equal(t, []int{1, 2, 3, 3}, top[2].Shape())
	require.NoError(t, l.Forward(bottom, top))
	assert.Equal(t, float32(4*9), top[2].Data()[0])
}

func TestSlice_Errors(t *testing.T) {
	tests := []struct {
		name   string
		axis   int
		points []int
		tops   int
		err    error
	}{
		{name: "axis equals rank", axis: 4, tops: 2, err: layer.ErrAxisOutOfRange},
		{name: "axis below -rank", axis: -5, tops: 2, err: layer.ErrAxisOutOfRange},
		{name: "too few points", axis: 1, points: []int{2}, tops: 3, err: layer.ErrInvalidSliceConfiguration},
		{name: "too many points", axis: 1, points: []int{1, 2, 3}, tops: 3, err: layer.ErrInvalidSliceConfiguration},
		{name: "not increasing", axis: 1, points: []int{4, 2}, tops: 3, err: layer.ErrInvalidSliceConfiguration},
		{name: "repeated point", axis: 1, points: []int{2, 2}, tops: 3, err: layer.ErrInvalidSliceConfiguration},
		{name: "zero point", axis: 1, points: []int{0}, tops: 2, err: layer.ErrInvalidSliceConfiguration},
		{name: "point at axis end", axis: 1, points: []int{6}, tops: 2, err: layer.ErrInvalidSliceConfiguration},
		{name: "indivisible", axis: 1, tops: 4, err: layer.ErrInvalidSliceConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newSlice(t, tt.axis, tt.points...)
			err := l.Setup([]*tensor.Tensor{ramp(2, 6, 4, 4)}, newTops(tt.tops))
			require.ErrorIs(t, err, tt.err)
		})
	}

	l := newSlice(t, 1)
	err := l.Setup([]*tensor.Tensor{ramp(2, 6, 4, 4)}, nil)
	require.ErrorIs(t, err, layer.ErrBlobCount)
}

func TestSlice_SingleTopShares(t *testing.T) {
	l := newSlice(t, 1)
	bottom := []*tensor.Tensor{ramp(2, 6)}
	top := newTops(1)
	require.NoError(t, l.Setup(bottom, top))
	assert.Empty(t, l.CopyRuns())
	assert.Equal(t, []int{2, 6}, top[0].Shape())

	bottom[0].Data()[3] = 42
	assert.Equal(t, float32(42), top[0].Data()[3])
	top[0].Diff()[5] = 7
	require.NoError(t, l.Backward(top, []bool{true}, bottom))
	assert.Equal(t, float32(7), bottom[0].Diff()[5])
}

func TestSlice_SingleThenMultipleTops(t *testing.T) {
	l := newSlice(t, 1)
	bottom := []*tensor.Tensor{ramp(2, 4)}
	first := newTops(1)
	require.NoError(t, l.Setup(bottom, first))

	top := []*tensor.Tensor{first[0], tensor.New(1)}
	require.NoError(t, l.InferShape(bottom, top))
	require.NoError(t, l.Forward(bottom, top))
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7}, bottom[0].Data())
	assert.Equal(t, []float32{0, 1, 4, 5}, top[0].Data())
	assert.Equal(t, []float32{2, 3, 6, 7}, top[1].Data())

	copy(top[0].Diff(), []float32{1, 1, 1, 1})
	copy(top[1].Diff(), []float32{2, 2, 2, 2})
	require.NoError(t, l.Backward(top, []bool{true}, bottom))
	assert.Equal(t, []float32{1, 1, 2, 2, 1, 1, 2, 2}, bottom[0].Diff())
	assert.Equal(t, []float32{1, 1, 1, 1}, top[0].Diff())
}

func TestSlice_NoPropagate(t *testing.T) {
	l := newSlice(t, 0)
	bottom := []*tensor.Tensor{ramp(4, 2)}
	top := newTops(2)
	require.NoError(t, l.Setup(bottom, top))
	for _, tp := range top {
		for i := range tp.Diff() {
			tp.Diff()[i] = 1
		}
	}
	for i := range bottom[0].Diff() {
		bottom[0].Diff()[i] = -3
	}
	require.NoError(t, l.Backward(top, []bool{false}, bottom))
	require.NoError(t, l.Backward(top, nil, bottom))
	for _, v := range bottom[0].Diff() {
		assert.Equal(t, float32(-3), v)
	}
}

func TestSlice_CopyRuns(t *testing.T) {
	l := newSlice(t, 1, 1)
	require.NoError(t, l.Setup([]*tensor.Tensor{ramp(2, 3, 2)}, newTops(2)))
	assert.Equal(t, []CopyRun{
		{Top: 0, BottomOffset: 0, TopOffset: 0, Len: 2},
		{Top: 0, BottomOffset: 6, TopOffset: 2, Len: 2},
		{Top: 1, BottomOffset: 2, TopOffset: 0, Len: 4},
		{Top: 1, BottomOffset: 8, TopOffset: 4, Len: 4},
	}, l.CopyRuns())
}

func TestSlice_ExplicitAcceleratedUnavailable(t *testing.T) {
	_, err := NewSliceLayer(&layer.Parameter{Name: "s", Type: "Slice", Engine: engine.Accelerated}, engine.ReferenceAndAccelerated())
	require.ErrorIs(t, err, layer.ErrUnsupportedEngine)
}

func TestSlice_ThroughRegistry(t *testing.T) {
	r, err := NewRegistry(engine.ReferenceOnly())
	require.NoError(t, err)
	l, err := r.Construct(context.Background(), &layer.Parameter{
		Name:  "split",
		Type:  "Slice",
		Slice: &layer.SliceParameter{Axis: 1, SlicePoints: []int{2, 4}},
	})
	require.NoError(t, err)
	assert.IsType(t, &SliceLayer{}, layer.Unwrap(l))

	bottom := []*tensor.Tensor{ramp(2, 6, 4, 4)}
	top := newTops(3)
	require.NoError(t, l.Setup(bottom, top))
	require.NoError(t, l.Forward(bottom, top))
	assert.Equal(t, float32(4*16), top[2].Data()[0])
}
