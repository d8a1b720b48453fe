// Package layers holds the concrete operators and the table that registers
// them. Each kind resolves its engine through its own policy and returns
// either the reference implementation or the accelerated one.
package layers

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
)

var builtin = []struct {
	typ     string
	creator layer.Creator
}{
	{"Convolution", NewConvolutionLayer},
	{"LRN", NewLRNLayer},
	{"Pooling", NewPoolingLayer},
	{"ReLU", NewReLULayer},
	{"Sigmoid", NewSigmoidLayer},
	{"Slice", NewSliceLayer},
	{"Softmax", NewSoftmaxLayer},
	{"TanH", NewTanHLayer},
}

// RegisterAll adds every built-in operator to r.
func RegisterAll(r *layer.Registry) error {
	for _, b := range builtin {
		if err := r.Register(b.typ, b.creator); err != nil {
			return errors.Wrap(err, "register built-in layers")
		}
	}
	return nil
}

// NewRegistry returns a registry bound to caps with every built-in operator
// registered.
func NewRegistry(caps engine.Capabilities) (*layer.Registry, error) {
	r := layer.NewRegistry(caps)
	if err := RegisterAll(r); err != nil {
		return nil, err
	}
	return r, nil
}
