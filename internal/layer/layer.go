// Package layer defines the operator interface, the parameter records that
// configure operators and the registry that turns a parameter record into a
// constructed operator.
package layer

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// Layer is a named, parameterised unit of computation.
//
// The executor calls Setup once, InferShape whenever the bottom shapes
// change, and then any number of Forward/Backward pairs. A layer owns no
// tensors; bottoms and tops are supplied on every call.
type Layer interface {
	Type() string
	Name() string
	Engine() engine.Engine

	// ExactNumBottoms, MinTops and MaxTops return -1 when unconstrained.
	ExactNumBottoms() int
	MinTops() int
	MaxTops() int

	// Setup validates tensor counts, performs one-time initialisation and
	// infers the top shapes.
	Setup(bottom, top []*tensor.Tensor) error
	// InferShape reshapes tops in place from the bottom shapes.
	InferShape(bottom, top []*tensor.Tensor) error
	Forward(bottom, top []*tensor.Tensor) error
	// Backward writes bottom diffs from top diffs. Bottoms whose
	// propagateDown entry is false are left untouched.
	Backward(top []*tensor.Tensor, propagateDown []bool, bottom []*tensor.Tensor) error

	// Blobs returns the learnable tensors (weights, bias), if any.
	Blobs() []*tensor.Tensor
}

// Base carries the fields every layer shares. Concrete layers embed it.
type Base struct {
	Param  *Parameter
	engine engine.Engine
	blobs  []*tensor.Tensor
}

// NewBase binds a parameter record and resolved engine.
func NewBase(param *Parameter, e engine.Engine) Base {
	return Base{Param: param, engine: e}
}

func (b *Base) Name() string          { return b.Param.Name }
func (b *Base) Engine() engine.Engine { return b.engine }
func (b *Base) ExactNumBottoms() int  { return -1 }
func (b *Base) MinTops() int          { return -1 }
func (b *Base) MaxTops() int          { return -1 }

func (b *Base) Blobs() []*tensor.Tensor { return b.blobs }

// SetBlobs replaces the learnable tensors.
func (b *Base) SetBlobs(blobs ...*tensor.Tensor) { b.blobs = blobs }

// Arity is the subset of Layer that CheckCounts needs.
type Arity interface {
	Type() string
	Name() string
	ExactNumBottoms() int
	MinTops() int
	MaxTops() int
}

// CheckCounts validates bottom and top counts against the layer's limits.
func CheckCounts(l Arity, bottom, top []*tensor.Tensor) error {
	if n := l.ExactNumBottoms(); n >= 0 && len(bottom) != n {
		return errors.Wrapf(ErrBlobCount, "%s layer %q takes %d bottom(s), got %d", l.Type(), l.Name(), n, len(bottom))
	}
	if n := l.MinTops(); n >= 0 && len(top) < n {
		return errors.Wrapf(ErrBlobCount, "%s layer %q takes at least %d top(s), got %d", l.Type(), l.Name(), n, len(top))
	}
	if n := l.MaxTops(); n >= 0 && len(top) > n {
		return errors.Wrapf(ErrBlobCount, "%s layer %q takes at most %d top(s), got %d", l.Type(), l.Name(), n, len(top))
	}
	return nil
}

// Propagate reports whether bottom i needs a gradient.
func Propagate(propagateDown []bool, i int) bool {
	return i < len(propagateDown) && propagateDown[i]
}
