// Package arrowio exports tensors as Arrow record batches and IPC streams.
package arrowio

import (
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-layers/internal/tensor"
)

// Format is the element encoding of the data column.
type Format int

const (
	FP32 Format = iota
	FP16
)

func (f Format) String() string {
	if f == FP16 {
		return "fp16"
	}
	return "fp32"
}

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown transport format")

// ParseFormat accepts "fp32" (or empty) and "fp16".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "fp32":
		return FP32, nil
	case "fp16":
		return FP16, nil
	}
	return FP32, errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// MetadataFormat is the schema metadata key carrying the data encoding.
const MetadataFormat = "transport_format"

// Named pairs a tensor with the name it is exported under.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
	// Diff exports the gradient buffer instead of the activations.
	Diff bool
}

// Schema returns the record schema for f: one row per tensor with its name,
// shape and flattened values.
func Schema(f Format) *arrow.Schema {
	dataType := arrow.ListOf(arrow.PrimitiveTypes.Float32)
	if f == FP16 {
		dataType = arrow.ListOf(arrow.PrimitiveTypes.Uint16)
	}
	md := arrow.NewMetadata([]string{MetadataFormat}, []string{f.String()})
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "data", Type: dataType},
	}, &md)
}

// RecordBuilder creates record batches from tensors.
type RecordBuilder struct {
	mem    memory.Allocator
	format Format
}

// NewRecordBuilder creates a builder writing the data column in format f.
func NewRecordBuilder(mem memory.Allocator, f Format) *RecordBuilder {
	return &RecordBuilder{mem: mem, format: f}
}

// Format returns the data encoding of built records.
func (b *RecordBuilder) Format() Format { return b.format }

// Build converts tensors into a single record batch. It returns nil for an
// empty input.
func (b *RecordBuilder) Build(tensors []Named) (arrow.RecordBatch, error) {
	if len(tensors) == 0 {
		return nil, nil
	}

	names := array.NewStringBuilder(b.mem)
	defer names.Release()
	shapes := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer shapes.Release()
	dims := shapes.ValueBuilder().(*array.Int32Builder)

	var data *array.ListBuilder
	if b.format == FP16 {
		data = array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Uint16)
	} else {
		data = array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	}
	defer data.Release()

	for _, nt := range tensors {
		if nt.Tensor == nil {
			return nil, errors.Errorf("arrowio: tensor %q is nil", nt.Name)
		}
		names.Append(nt.Name)

		shapes.Append(true)
		for _, d := range nt.Tensor.Shape() {
			dims.Append(int32(d))
		}

		values := nt.Tensor.Data()
		if nt.Diff {
			values = nt.Tensor.Diff()
		}
		data.Append(true)
		switch vb := data.ValueBuilder().(type) {
		case *array.Float32Builder:
			vb.AppendValues(values, nil)
		case *array.Uint16Builder:
			vb.Reserve(len(values))
			for _, v := range values {
				vb.UnsafeAppend(float16.Fromfloat32(v).Bits())
			}
		}
	}

	cols := []arrow.Array{names.NewArray(), shapes.NewArray(), data.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(Schema(b.format), cols, int64(len(tensors))), nil
}

// Tensor is a decoded row.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// ReadStream decodes every row of an IPC stream written by StreamWriter.
func ReadStream(r io.Reader, mem memory.Allocator) ([]Tensor, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, "arrowio: open stream")
	}
	defer reader.Release()

	var out []Tensor
	for reader.Next() {
		rows, err := Decode(reader.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "arrowio: read stream")
	}
	return out, nil
}

// checkSchema accepts the fp32 and fp16 layouts produced by Schema,
// ignoring metadata.
func checkSchema(s *arrow.Schema) error {
	for _, f := range []Format{FP32, FP16} {
		want := Schema(f)
		if s.NumFields() != want.NumFields() {
			continue
		}
		match := true
		for i, field := range want.Fields() {
			if !arrow.TypeEqual(s.Field(i).Type, field.Type) {
				match = false
				break
			}
		}
		if match {
			return nil
		}
	}
	return errors.Errorf("arrowio: unexpected record schema %s", s)
}

// Decode converts every row of rec back into tensors.
func Decode(rec arrow.RecordBatch) ([]Tensor, error) {
	if err := checkSchema(rec.Schema()); err != nil {
		return nil, err
	}
	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, errors.Errorf("arrowio: name column is %s", rec.Column(0).DataType())
	}
	shapes, ok := rec.Column(1).(*array.List)
	if !ok {
		return nil, errors.Errorf("arrowio: shape column is %s", rec.Column(1).DataType())
	}
	dims, ok := shapes.ListValues().(*array.Int32)
	if !ok {
		return nil, errors.Errorf("arrowio: shape values are %s", shapes.ListValues().DataType())
	}
	data, ok := rec.Column(2).(*array.List)
	if !ok {
		return nil, errors.Errorf("arrowio: data column is %s", rec.Column(2).DataType())
	}

	out := make([]Tensor, rec.NumRows())
	for i := range out {
		out[i].Name = names.Value(i)
		start, end := shapes.ValueOffsets(i)
		for j := start; j < end; j++ {
			out[i].Shape = append(out[i].Shape, int(dims.Value(int(j))))
		}
		start, end = data.ValueOffsets(i)
		switch vals := data.ListValues().(type) {
		case *array.Float32:
			out[i].Data = append([]float32(nil), vals.Float32Values()[start:end]...)
		case *array.Uint16:
			raw := vals.Uint16Values()[start:end]
			out[i].Data = make([]float32, len(raw))
			for j, h := range raw {
				out[i].Data[j] = float16.Frombits(h).Float32()
			}
		default:
			return nil, errors.Errorf("arrowio: data values are %s", vals.DataType())
		}
	}
	return out, nil
}

// StreamWriter appends record batches to one IPC stream. It is safe for
// concurrent use.
type StreamWriter struct {
	mu     sync.Mutex
	w      *ipc.Writer
	closer io.Closer
}

// NewStreamWriter starts a stream of records with the schema of format f.
// If w is also an io.Closer it is closed by Close.
func NewStreamWriter(w io.Writer, f Format, mem memory.Allocator) *StreamWriter {
	sw := &StreamWriter{w: ipc.NewWriter(w, ipc.WithSchema(Schema(f)), ipc.WithAllocator(mem))}
	if c, ok := w.(io.Closer); ok {
		sw.closer = c
	}
	return sw
}

// Write appends rec to the stream.
func (s *StreamWriter) Write(rec arrow.RecordBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.w.Write(rec), "arrowio: write record")
}

// Close finishes the stream.
func (s *StreamWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return errors.Wrap(err, "arrowio: close stream")
}
