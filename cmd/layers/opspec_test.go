package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-layers/internal/arrowio"
	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/layers"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

func TestLoadOpSpec(t *testing.T) {
	spec, err := LoadOpSpec("testdata/slice.yaml")
	require.NoError(t, err)
	assert.Equal(t, "Slice", spec.Type)
	assert.Equal(t, []int{2, 6, 4, 4}, spec.Input)

	p, err := spec.Parameter(1)
	require.NoError(t, err)
	assert.Equal(t, "split", p.Name)
	assert.Equal(t, engine.Default, p.Engine)
	assert.Equal(t, 3, p.NumTops)
	assert.Equal(t, layer.SliceParameter{Axis: 1, SlicePoints: []int{2, 4}}, *p.Slice)

	spec, err = LoadOpSpec("testdata/lrn.yaml")
	require.NoError(t, err)
	p, err = spec.Parameter(1)
	require.NoError(t, err)
	assert.Equal(t, engine.Accelerated, p.Engine)
	assert.InDelta(t, 0.0001, p.LRN.Alpha, 1e-9)
	assert.Equal(t, float32(1), p.LRN.K)

	_, err = LoadOpSpec("testdata/missing.yaml")
	require.Error(t, err)
}

func TestOpSpec_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec OpSpec
		err  error
	}{
		{name: "no type", spec: OpSpec{Input: []int{1}}, err: layer.ErrInvalidParameter},
		{name: "bad engine", spec: OpSpec{Type: "ReLU", Engine: "gpu"}, err: layer.ErrUnknownEngine},
		{name: "bad pool", spec: OpSpec{Type: "Pooling", Pooling: &PoolSpec{Pool: "STOCHASTIC"}}, err: layer.ErrInvalidParameter},
		{name: "bad region", spec: OpSpec{Type: "LRN", LRN: &LRNSpec{Region: "SPATIAL"}}, err: layer.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.spec.Parameter(1)
			require.ErrorIs(t, err, tt.err)
		})
	}

	_, err := (&OpSpec{Type: "ReLU", Input: []int{2}, Fill: "noise"}).Bottom(1)
	require.ErrorIs(t, err, layer.ErrInvalidParameter)
	_, err = (&OpSpec{Type: "ReLU"}).Bottom(1)
	require.Error(t, err)
}

func TestOpSpec_InputLimit(t *testing.T) {
	prev := *maxElements
	*maxElements = 64
	defer func() { *maxElements = prev }()

	_, err := (&OpSpec{Type: "ReLU", Input: []int{8, 9}}).Bottom(1)
	require.ErrorIs(t, err, layer.ErrInvalidParameter)
	_, err = (&OpSpec{Type: "ReLU", Input: []int{100000, 100000}, Data: []float32{1}}).Bottom(1)
	require.ErrorIs(t, err, layer.ErrInvalidParameter)

	in, err := (&OpSpec{Type: "ReLU", Input: []int{8, 8}}).Bottom(1)
	require.NoError(t, err)
	assert.Equal(t, 64, in.Count())
	_, err = (&OpSpec{Type: "ReLU", Input: []int{0, 1 << 40}}).Bottom(1)
	require.NoError(t, err)
}

func TestRun(t *testing.T) {
	reg, err := layers.NewRegistry(engine.ReferenceAndAccelerated())
	require.NoError(t, err)
	ctx := context.Background()

	spec, err := LoadOpSpec("testdata/slice.yaml")
	require.NoError(t, err)
	res, err := Run(ctx, reg, spec, 1)
	require.NoError(t, err)
	require.Len(t, res.Tops, 3)
	assert.Equal(t, []int{2, 2, 4, 4}, res.Tops[2].Shape())
	assert.Equal(t, float32(4*16), res.Tops[2].Data()[0])
	// Top gradients of ones scatter back to ones everywhere.
	for _, v := range res.Bottom.Diff() {
		require.Equal(t, float32(1), v)
	}
	named := res.Named(true)
	require.Len(t, named, 4)
	assert.Equal(t, "split/top1", named[1].Name)
	assert.True(t, named[3].Diff)

	spec, err = LoadOpSpec("testdata/pool_multi.yaml")
	require.NoError(t, err)
	res, err = Run(ctx, reg, spec, 1)
	require.NoError(t, err)
	assert.Equal(t, engine.EngineReference, res.Layer.Engine())
	assert.Equal(t, []int{1, 2, 3, 3}, res.Tops[1].Shape())
}

func TestCompare(t *testing.T) {
	reg, err := layers.NewRegistry(engine.ReferenceAndAccelerated())
	require.NoError(t, err)
	spec, err := LoadOpSpec("testdata/conv.yaml")
	require.NoError(t, err)

	cmp, err := Compare(context.Background(), reg, spec, 3)
	require.NoError(t, err)
	assert.Equal(t, engine.EngineReference, cmp.Reference)
	assert.Equal(t, engine.EngineAccelerated, cmp.Accelerated)
	assert.Less(t, cmp.MaxAbsDiff, 1e-4)

	refOnly, err := layers.NewRegistry(engine.ReferenceOnly())
	require.NoError(t, err)
	_, err = Compare(context.Background(), refOnly, spec, 3)
	require.ErrorIs(t, err, layer.ErrUnsupportedEngine)
}

func TestReplay(t *testing.T) {
	reg, err := layers.NewRegistry(engine.ReferenceAndAccelerated())
	require.NoError(t, err)
	mem := memory.NewGoAllocator()

	var buf bytes.Buffer
	w := arrowio.NewStreamWriter(&buf, arrowio.FP32, mem)
	a, err := tensor.FromSlice([]int{1, 4}, []float32{-1, 2, -3, 4})
	require.NoError(t, err)
	b, err := tensor.FromSlice([]int{2, 1}, []float32{5, -6})
	require.NoError(t, err)
	rec, err := arrowio.NewRecordBuilder(mem, arrowio.FP32).Build([]arrowio.Named{{Name: "a", Tensor: a}, {Name: "b", Tensor: b}})
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	rec.Release()
	require.NoError(t, w.Close())

	spec := &OpSpec{Name: "act", Type: "ReLU", Backward: true}
	results, err := Replay(context.Background(), reg, spec, &buf, 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []float32{0, 2, 0, 4}, results[0].Tops[0].Data())
	assert.Equal(t, []float32{0, 1, 0, 1}, results[0].Bottom.Diff())
	assert.Equal(t, []int{2, 1}, results[1].Tops[0].Shape())
	assert.Equal(t, []float32{5, 0}, results[1].Tops[0].Data())

	_, err = Replay(context.Background(), reg, spec, bytes.NewReader([]byte("not arrow")), 1)
	require.Error(t, err)
}
