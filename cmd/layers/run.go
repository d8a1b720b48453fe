package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-layers/internal/arrowio"
	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// Result is the outcome of running one operator.
type Result struct {
	Layer   layer.Layer
	Bottom  *tensor.Tensor
	Tops    []*tensor.Tensor
	Elapsed time.Duration
}

// Run constructs the operator described by spec, sets it up on the
// described input and runs a forward pass, plus a backward pass with a top
// gradient of ones when spec.Backward is set.
func Run(ctx context.Context, reg *layer.Registry, spec *OpSpec, seed int64) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	param, err := spec.Parameter(seed)
	if err != nil {
		return nil, err
	}
	return runParam(ctx, reg, spec, param, seed)
}

func runParam(ctx context.Context, reg *layer.Registry, spec *OpSpec, param *layer.Parameter, seed int64) (*Result, error) {
	l, err := reg.Construct(ctx, param)
	if err != nil {
		return nil, err
	}
	bottom, err := spec.Bottom(seed)
	if err != nil {
		return nil, err
	}
	tops := make([]*tensor.Tensor, param.Tops())
	for i := range tops {
		tops[i] = tensor.New(1)
	}

	start := time.Now()
	bottoms := []*tensor.Tensor{bottom}
	if err := l.Setup(bottoms, tops); err != nil {
		return nil, errors.Wrapf(err, "setup %q", param.Name)
	}
	if err := l.Forward(bottoms, tops); err != nil {
		return nil, errors.Wrapf(err, "forward %q", param.Name)
	}
	if spec.Backward {
		bottom.SetDiffZero()
		for _, t := range tops {
			for i := range t.Diff() {
				t.Diff()[i] = 1
			}
		}
		if err := l.Backward(tops, []bool{true}, bottoms); err != nil {
			return nil, errors.Wrapf(err, "backward %q", param.Name)
		}
	}
	return &Result{Layer: l, Bottom: bottom, Tops: tops, Elapsed: time.Since(start)}, nil
}

// Replay runs spec once per tensor in an Arrow IPC stream, each tensor
// standing in for the described input.
func Replay(ctx context.Context, reg *layer.Registry, spec *OpSpec, r io.Reader, seed int64) ([]*Result, error) {
	inputs, err := arrowio.ReadStream(r, memory.NewGoAllocator())
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(inputs))
	for _, in := range inputs {
		op := *spec
		op.Input, op.Data = in.Shape, in.Data
		res, err := Run(ctx, reg, &op, seed)
		if err != nil {
			return nil, errors.Wrapf(err, "input %q", in.Name)
		}
		results = append(results, res)
	}
	return results, nil
}

// Named lists the result's tensors for export: every top's data, and the
// bottom gradient when a backward pass ran.
func (r *Result) Named(backward bool) []arrowio.Named {
	name := r.Layer.Name()
	out := make([]arrowio.Named, 0, len(r.Tops)+1)
	for i, t := range r.Tops {
		out = append(out, arrowio.Named{Name: fmt.Sprintf("%s/top%d", name, i), Tensor: t})
	}
	if backward {
		out = append(out, arrowio.Named{Name: name + "/bottom_diff", Tensor: r.Bottom, Diff: true})
	}
	return out
}

// Comparison reports how far the accelerated engine's output drifts from
// the reference one.
type Comparison struct {
	Reference   engine.Engine
	Accelerated engine.Engine
	MaxAbsDiff  float64
}

// Compare runs spec on the reference engine and on the accelerated engine
// concurrently. An accelerated run that an exception rule sends back to the
// reference engine is reported as such.
func Compare(ctx context.Context, reg *layer.Registry, spec *OpSpec, seed int64) (*Comparison, error) {
	ctx, span := tracer.Start(ctx, "Compare")
	defer span.End()

	results := make([]*Result, 2)
	g, gctx := errgroup.WithContext(ctx)
	for i, pref := range []engine.Preference{engine.Reference, engine.Accelerated} {
		g.Go(func() error {
			param, err := spec.Parameter(seed)
			if err != nil {
				return err
			}
			param.Engine = pref
			res, err := runParam(gctx, reg, spec, param, seed)
			if err != nil {
				return errors.Wrapf(err, "%s engine", pref)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	c := &Comparison{Reference: results[0].Layer.Engine(), Accelerated: results[1].Layer.Engine()}
	for i, ref := range results[0].Tops {
		acc := results[1].Tops[i].Data()
		for j, v := range ref.Data() {
			c.MaxAbsDiff = math.Max(c.MaxAbsDiff, math.Abs(float64(v-acc[j])))
		}
	}
	span.SetAttributes(attribute.Float64("max_abs_diff", c.MaxAbsDiff))
	return c, nil
}
