package arrowio

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-layers/internal/tensor"
)

func TestBuild(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	builder := NewRecordBuilder(mem, FP32)

	t.Run("Empty input", func(t *testing.T) {
		rec, err := builder.Build(nil)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("Valid input", func(t *testing.T) {
		a, err := tensor.FromSlice([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
		require.NoError(t, err)
		b, err := tensor.FromSlice([]int{1}, []float32{7})
		require.NoError(t, err)
		b.Diff()[0] = -1

		rec, err := builder.Build([]Named{{Name: "a", Tensor: a}, {Name: "b.diff", Tensor: b, Diff: true}})
		require.NoError(t, err)
		defer rec.Release()

		assert.Equal(t, int64(2), rec.NumRows())
		assert.Equal(t, int64(3), rec.NumCols())
		assert.Equal(t, "shape", rec.ColumnName(1))

		shapes := rec.Column(1).(*array.List)
		assert.Equal(t, []int32{0, 2, 3}, shapes.Offsets())
		data := rec.Column(2).(*array.List)
		assert.Equal(t, []int32{0, 6, 7}, data.Offsets())
		values := data.ListValues().(*array.Float32)
		assert.Equal(t, float32(6), values.Value(5))
		assert.Equal(t, float32(-1), values.Value(6))
	})

	t.Run("Nil tensor", func(t *testing.T) {
		_, err := builder.Build([]Named{{Name: "x"}})
		require.Error(t, err)
	})
}

func TestStream(t *testing.T) {
	for _, f := range []Format{FP32, FP16} {
		t.Run(f.String(), func(t *testing.T) {
			mem := memory.NewGoAllocator()
			var buf bytes.Buffer
			w := NewStreamWriter(&buf, f, mem)
			builder := NewRecordBuilder(mem, f)

			x, err := tensor.FromSlice([]int{1, 4}, []float32{0.5, -2, 1024, 0.1})
			require.NoError(t, err)
			for _, name := range []string{"first", "second"} {
				rec, err := builder.Build([]Named{{Name: name, Tensor: x}})
				require.NoError(t, err)
				require.NoError(t, w.Write(rec))
				rec.Release()
			}
			require.NoError(t, w.Close())

			got, err := ReadStream(&buf, mem)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "second", got[1].Name)
			assert.Equal(t, []int{1, 4}, got[0].Shape)
			// 0.1 is not exact in half precision.
			assert.InDeltaSlice(t, []float32{0.5, -2, 1024, 0.1}, got[0].Data, 1e-4)
			if f == FP16 {
				assert.NotEqual(t, float32(0.1), got[0].Data[3])
			} else {
				assert.Equal(t, float32(0.1), got[0].Data[3])
			}
		})
	}
}

func TestDecode_ForeignSchema(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append("x")
	shape := b.Field(1).(*array.ListBuilder)
	shape.Append(true)
	shape.ValueBuilder().(*array.Int64Builder).Append(2)
	data := b.Field(2).(*array.ListBuilder)
	data.Append(true)
	data.ValueBuilder().(*array.Float32Builder).AppendValues([]float32{1, 2}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	require.NotPanics(t, func() {
		_, err := Decode(rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema")
	})
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("fp16")
	require.NoError(t, err)
	assert.Equal(t, FP16, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FP32, f)
	_, err = ParseFormat("bf16")
	require.ErrorIs(t, err, ErrUnknownFormat)
}
