package layer

import (
	"github.com/23skdu/longbow-layers/internal/engine"
)

// Parameter is the already-parsed description of one operator. It is built
// once before construction and treated as read-only afterwards.
//
// Kind sub-records left nil take their defaults. A non-nil sub-record is
// taken literally, so an explicit Axis of 0 means axis 0.
type Parameter struct {
	Name   string
	Type   string
	Engine engine.Preference
	// NumTops is the number of outputs the caller will attach. Zero means
	// unknown; kinds that care about multiple outputs treat it as one.
	NumTops int

	Slice       *SliceParameter
	Convolution *ConvolutionParameter
	Pooling     *PoolingParameter
	LRN         *LRNParameter
	ReLU        *ReLUParameter
	Softmax     *SoftmaxParameter
}

// SliceParameter configures the Slice operator.
type SliceParameter struct {
	// Axis to partition along. Negative values count from the last axis.
	Axis int
	// SlicePoints are strictly increasing boundaries along Axis. When empty,
	// the axis is split evenly across the attached outputs.
	SlicePoints []int
}

// DefaultSliceParameter slices along the channel axis, evenly.
func DefaultSliceParameter() SliceParameter {
	return SliceParameter{Axis: 1}
}

// SliceParam returns the slice configuration or its default.
func (p *Parameter) SliceParam() SliceParameter {
	if p.Slice == nil {
		return DefaultSliceParameter()
	}
	return *p.Slice
}

// Filler selects how learnable weights are initialised.
type Filler struct {
	Type  string // "constant", "gaussian", "xavier"
	Value float32
	Std   float32
	Seed  int64
}

// ConvolutionParameter configures 2D convolution over NCHW inputs.
// Zero Stride, Dilation and Group mean 1.
type ConvolutionParameter struct {
	NumOutput    int
	Kernel       int
	Stride       int
	Pad          int
	Dilation     int
	Group        int
	DisableBias  bool
	WeightFiller Filler
	BiasFiller   Filler
}

// ConvParam returns the convolution configuration with unset fields defaulted.
func (p *Parameter) ConvParam() ConvolutionParameter {
	var c ConvolutionParameter
	if p.Convolution != nil {
		c = *p.Convolution
	}
	if c.Stride == 0 {
		c.Stride = 1
	}
	if c.Dilation == 0 {
		c.Dilation = 1
	}
	if c.Group == 0 {
		c.Group = 1
	}
	if c.WeightFiller.Type == "" {
		c.WeightFiller.Type = "xavier"
	}
	if c.BiasFiller.Type == "" {
		c.BiasFiller.Type = "constant"
	}
	return c
}

// PoolMethod selects the pooling reduction.
type PoolMethod int

const (
	PoolMax PoolMethod = iota
	PoolAverage
)

func (m PoolMethod) String() string {
	if m == PoolAverage {
		return "AVE"
	}
	return "MAX"
}

// PoolingParameter configures 2D pooling over NCHW inputs. Zero Stride means 1.
type PoolingParameter struct {
	Method PoolMethod
	Kernel int
	Stride int
	Pad    int
	// Global pools over the whole spatial extent; Kernel, Stride and Pad are ignored.
	Global bool
}

// PoolParam returns the pooling configuration with unset fields defaulted.
func (p *Parameter) PoolParam() PoolingParameter {
	var c PoolingParameter
	if p.Pooling != nil {
		c = *p.Pooling
	}
	if c.Stride == 0 {
		c.Stride = 1
	}
	return c
}

// NormRegion selects where LRN gathers its normalisation window.
type NormRegion int

const (
	AcrossChannels NormRegion = iota
	WithinChannel
)

func (r NormRegion) String() string {
	if r == WithinChannel {
		return "WITHIN_CHANNEL"
	}
	return "ACROSS_CHANNELS"
}

// LRNParameter configures local response normalisation.
type LRNParameter struct {
	LocalSize int
	Alpha     float32
	Beta      float32
	K         float32
	Region    NormRegion
}

// DefaultLRNParameter matches the AlexNet settings.
func DefaultLRNParameter() LRNParameter {
	return LRNParameter{LocalSize: 5, Alpha: 1, Beta: 0.75, K: 1}
}

// LRNParam returns the LRN configuration or its default.
func (p *Parameter) LRNParam() LRNParameter {
	if p.LRN == nil {
		return DefaultLRNParameter()
	}
	return *p.LRN
}

// ReLUParameter configures (leaky) ReLU.
type ReLUParameter struct {
	NegativeSlope float32
}

// ReLUParam returns the ReLU configuration or its default.
func (p *Parameter) ReLUParam() ReLUParameter {
	if p.ReLU == nil {
		return ReLUParameter{}
	}
	return *p.ReLU
}

// SoftmaxParameter configures softmax.
type SoftmaxParameter struct {
	Axis int
}

// SoftmaxParam returns the softmax configuration or its default (axis 1).
func (p *Parameter) SoftmaxParam() SoftmaxParameter {
	if p.Softmax == nil {
		return SoftmaxParameter{Axis: 1}
	}
	return *p.Softmax
}

// Tops returns NumTops, treating unknown as a single output.
func (p *Parameter) Tops() int {
	if p.NumTops < 1 {
		return 1
	}
	return p.NumTops
}
