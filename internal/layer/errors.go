package layer

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

var (
	// ErrDuplicateRegistration is returned when a type name is registered twice.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrUnknownOperatorType is returned when constructing an unregistered type.
	ErrUnknownOperatorType = errors.New("unknown operator type")
	// ErrUnsupportedEngine is returned when the accelerated engine is requested but absent.
	ErrUnsupportedEngine = engine.ErrUnsupportedEngine
	// ErrUnknownEngine is returned for engine preferences outside the known set.
	ErrUnknownEngine = engine.ErrUnknownEngine
	// ErrAxisOutOfRange is returned at shape inference for an invalid axis.
	ErrAxisOutOfRange = tensor.ErrAxisOutOfRange
	// ErrInvalidSliceConfiguration is returned at shape inference for bad slice points or counts.
	ErrInvalidSliceConfiguration = errors.New("invalid slice configuration")
	// ErrBlobCount is returned when a layer gets the wrong number of inputs or outputs.
	ErrBlobCount = errors.New("wrong number of tensors")
	// ErrInvalidParameter is returned for parameter values a kind cannot use.
	ErrInvalidParameter = errors.New("invalid parameter")
)
