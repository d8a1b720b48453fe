package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

// fill initialises t according to f. fanIn is used by xavier.
func fill(t *tensor.Tensor, f layer.Filler, fanIn int) error {
	data := t.Data()
	switch f.Type {
	case "constant":
		for i := range data {
			data[i] = f.Value
		}
	case "gaussian":
		rng := rand.New(rand.NewSource(f.Seed))
		std := f.Std
		if std == 0 {
			std = 0.01
		}
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * std
		}
	case "xavier":
		// Uniform in [-scale, scale] with scale = sqrt(3 / fan_in).
		rng := rand.New(rand.NewSource(f.Seed))
		if fanIn < 1 {
			fanIn = 1
		}
		scale := math.Sqrt(3.0 / float64(fanIn))
		for i := range data {
			data[i] = float32((rng.Float64()*2 - 1) * scale)
		}
	default:
		return errors.Wrapf(layer.ErrInvalidParameter, "unknown filler %q", f.Type)
	}
	return nil
}
