package main

import (
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// OpSpec describes one operator and the input it runs on. It is read from
// YAML files and decoded from CBOR requests.
type OpSpec struct {
	Name    string `yaml:"name" cbor:"name"`
	Type    string `yaml:"type" cbor:"type"`
	Engine  string `yaml:"engine" cbor:"engine"`
	NumTops int    `yaml:"tops" cbor:"tops"`

	Input []int     `yaml:"input" cbor:"input"`
	Fill  string    `yaml:"fill" cbor:"fill"` // ramp, random or zeros; ignored when Data is set
	Data  []float32 `yaml:"data,omitempty" cbor:"data,omitempty"`

	// Backward runs a backward pass with a top gradient of ones.
	Backward bool `yaml:"backward" cbor:"backward"`

	Slice       *SliceSpec   `yaml:"slice,omitempty" cbor:"slice,omitempty"`
	Convolution *ConvSpec    `yaml:"convolution,omitempty" cbor:"convolution,omitempty"`
	Pooling     *PoolSpec    `yaml:"pooling,omitempty" cbor:"pooling,omitempty"`
	LRN         *LRNSpec     `yaml:"lrn,omitempty" cbor:"lrn,omitempty"`
	ReLU        *ReLUSpec    `yaml:"relu,omitempty" cbor:"relu,omitempty"`
	Softmax     *SoftmaxSpec `yaml:"softmax,omitempty" cbor:"softmax,omitempty"`
}

type SliceSpec struct {
	Axis        *int  `yaml:"axis" cbor:"axis"`
	SlicePoints []int `yaml:"slice_points" cbor:"slice_points"`
}

type FillerSpec struct {
	Type  string  `yaml:"type" cbor:"type"`
	Value float32 `yaml:"value" cbor:"value"`
	Std   float32 `yaml:"std" cbor:"std"`
}

type ConvSpec struct {
	NumOutput    int         `yaml:"num_output" cbor:"num_output"`
	Kernel       int         `yaml:"kernel_size" cbor:"kernel_size"`
	Stride       int         `yaml:"stride" cbor:"stride"`
	Pad          int         `yaml:"pad" cbor:"pad"`
	Dilation     int         `yaml:"dilation" cbor:"dilation"`
	Group        int         `yaml:"group" cbor:"group"`
	BiasTerm     *bool       `yaml:"bias_term" cbor:"bias_term"`
	WeightFiller *FillerSpec `yaml:"weight_filler" cbor:"weight_filler"`
	BiasFiller   *FillerSpec `yaml:"bias_filler" cbor:"bias_filler"`
}

type PoolSpec struct {
	Pool   string `yaml:"pool" cbor:"pool"` // MAX or AVE
	Kernel int    `yaml:"kernel_size" cbor:"kernel_size"`
	Stride int    `yaml:"stride" cbor:"stride"`
	Pad    int    `yaml:"pad" cbor:"pad"`
	Global bool   `yaml:"global_pooling" cbor:"global_pooling"`
}

type LRNSpec struct {
	LocalSize int      `yaml:"local_size" cbor:"local_size"`
	Alpha     *float32 `yaml:"alpha" cbor:"alpha"`
	Beta      *float32 `yaml:"beta" cbor:"beta"`
	K         *float32 `yaml:"k" cbor:"k"`
	Region    string   `yaml:"norm_region" cbor:"norm_region"` // ACROSS_CHANNELS or WITHIN_CHANNEL
}

type ReLUSpec struct {
	NegativeSlope float32 `yaml:"negative_slope" cbor:"negative_slope"`
}

type SoftmaxSpec struct {
	Axis int `yaml:"axis" cbor:"axis"`
}

// LoadOpSpec reads a YAML operator description.
func LoadOpSpec(path string) (*OpSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read op description")
	}
	var spec OpSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, errors.Wrapf(err, "parse op description %s", path)
	}
	return &spec, nil
}

// Parameter converts the description into a layer parameter record. seed
// feeds the random fillers.
func (s *OpSpec) Parameter(seed int64) (*layer.Parameter, error) {
	if s.Type == "" {
		return nil, errors.Wrap(layer.ErrInvalidParameter, "op description has no type")
	}
	pref, err := engine.ParsePreference(s.Engine)
	if err != nil {
		return nil, err
	}
	p := &layer.Parameter{
		Name:    s.Name,
		Type:    s.Type,
		Engine:  pref,
		NumTops: s.tops(),
	}
	if p.Name == "" {
		p.Name = strings.ToLower(s.Type)
	}

	if s.Slice != nil {
		sp := layer.DefaultSliceParameter()
		if s.Slice.Axis != nil {
			sp.Axis = *s.Slice.Axis
		}
		sp.SlicePoints = s.Slice.SlicePoints
		p.Slice = &sp
	}
	if c := s.Convolution; c != nil {
		p.Convolution = &layer.ConvolutionParameter{
			NumOutput:    c.NumOutput,
			Kernel:       c.Kernel,
			Stride:       c.Stride,
			Pad:          c.Pad,
			Dilation:     c.Dilation,
			Group:        c.Group,
			DisableBias:  c.BiasTerm != nil && !*c.BiasTerm,
			WeightFiller: c.WeightFiller.filler(seed),
			BiasFiller:   c.BiasFiller.filler(seed + 1),
		}
	}
	if c := s.Pooling; c != nil {
		method, err := parsePoolMethod(c.Pool)
		if err != nil {
			return nil, err
		}
		p.Pooling = &layer.PoolingParameter{Method: method, Kernel: c.Kernel, Stride: c.Stride, Pad: c.Pad, Global: c.Global}
	}
	if c := s.LRN; c != nil {
		lp := layer.DefaultLRNParameter()
		if c.LocalSize != 0 {
			lp.LocalSize = c.LocalSize
		}
		if c.Alpha != nil {
			lp.Alpha = *c.Alpha
		}
		if c.Beta != nil {
			lp.Beta = *c.Beta
		}
		if c.K != nil {
			lp.K = *c.K
		}
		switch strings.ToUpper(c.Region) {
		case "", "ACROSS_CHANNELS":
		case "WITHIN_CHANNEL":
			lp.Region = layer.WithinChannel
		default:
			return nil, errors.Wrapf(layer.ErrInvalidParameter, "unknown norm_region %q", c.Region)
		}
		p.LRN = &lp
	}
	if s.ReLU != nil {
		p.ReLU = &layer.ReLUParameter{NegativeSlope: s.ReLU.NegativeSlope}
	}
	if s.Softmax != nil {
		p.Softmax = &layer.SoftmaxParameter{Axis: s.Softmax.Axis}
	}
	return p, nil
}

// tops is the declared output count. A Slice with explicit points needs one
// more top than it has points.
func (s *OpSpec) tops() int {
	if s.NumTops > 0 {
		return s.NumTops
	}
	if s.Slice != nil && len(s.Slice.SlicePoints) > 0 {
		return len(s.Slice.SlicePoints) + 1
	}
	return 1
}

func (f *FillerSpec) filler(seed int64) layer.Filler {
	if f == nil {
		return layer.Filler{Seed: seed}
	}
	return layer.Filler{Type: f.Type, Value: f.Value, Std: f.Std, Seed: seed}
}

func parsePoolMethod(s string) (layer.PoolMethod, error) {
	switch strings.ToUpper(s) {
	case "", "MAX":
		return layer.PoolMax, nil
	case "AVE", "AVG", "AVERAGE":
		return layer.PoolAverage, nil
	}
	return layer.PoolMax, errors.Wrapf(layer.ErrInvalidParameter, "unknown pool method %q", s)
}

// Bottom builds the input tensor.
func (s *OpSpec) Bottom(seed int64) (*tensor.Tensor, error) {
	if len(s.Input) == 0 {
		return nil, errors.Wrap(tensor.ErrInvalidShape, "op description has no input shape")
	}
	if err := checkInputSize(s.Input, *maxElements); err != nil {
		return nil, err
	}
	if len(s.Data) > 0 {
		return tensor.FromSlice(s.Input, s.Data)
	}
	t := tensor.New(1)
	if err := t.Reshape(s.Input); err != nil {
		return nil, err
	}
	data := t.Data()
	switch s.Fill {
	case "", "ramp":
		for i := range data {
			data[i] = float32(i)
		}
	case "random":
		rng := rand.New(rand.NewSource(seed))
		for i := range data {
			data[i] = float32(rng.Float64()*2 - 1)
		}
	case "zeros":
	default:
		return nil, errors.Wrapf(layer.ErrInvalidParameter, "unknown fill %q", s.Fill)
	}
	return t, nil
}

// checkInputSize rejects shapes with more than limit elements before
// anything is allocated.
func checkInputSize(shape []int, limit int) error {
	count := 1
	for _, d := range shape {
		if d <= 0 {
			return nil
		}
		if count > limit/d {
			return errors.Wrapf(layer.ErrInvalidParameter, "input shape %v exceeds %d elements", shape, limit)
		}
		count *= d
	}
	return nil
}
