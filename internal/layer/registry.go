package layer

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-layers/internal/engine"
)

// Creator builds a layer of one kind. It is expected to run the kind's
// engine policy against caps and return the selected implementation.
type Creator func(param *Parameter, caps engine.Capabilities) (Layer, error)

// Registry maps operator type names to creators.
//
// Registration happens during start-up on a single goroutine; after that the
// registry is only read and Construct may be called concurrently.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]Creator
	caps     engine.Capabilities
}

// NewRegistry creates an empty registry bound to a capability set.
func NewRegistry(caps engine.Capabilities) *Registry {
	return &Registry{
		creators: make(map[string]Creator),
		caps:     caps,
	}
}

// Capabilities returns the capability set passed to every creator.
func (r *Registry) Capabilities() engine.Capabilities {
	return r.caps
}

// Register adds a creator for typ. A second registration of the same name
// fails with ErrDuplicateRegistration and leaves the first in place.
func (r *Registry) Register(typ string, creator Creator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.creators[typ]; ok {
		return errors.Wrapf(ErrDuplicateRegistration, "layer type %q", typ)
	}
	r.creators[typ] = creator
	return nil
}

var tracer = otel.Tracer("longbow-layers/layer")

// Construct builds the layer described by param. Creator errors keep their
// kind and are annotated with the layer's configured name.
func (r *Registry) Construct(ctx context.Context, param *Parameter) (Layer, error) {
	_, span := tracer.Start(ctx, "Registry.Construct")
	defer span.End()
	span.SetAttributes(
		attribute.String("layer.type", param.Type),
		attribute.String("layer.name", param.Name),
		attribute.String("layer.engine_preference", param.Engine.String()),
	)

	r.mu.RLock()
	creator, ok := r.creators[param.Type]
	r.mu.RUnlock()

	if !ok {
		constructions.WithLabelValues(param.Type, "unknown_type").Inc()
		err := errors.Wrapf(ErrUnknownOperatorType, "layer %q: type %q (known: %v)", param.Name, param.Type, r.Types())
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown type")
		return nil, err
	}

	l, err := creator(param, r.caps)
	if err != nil {
		constructions.WithLabelValues(param.Type, "error").Inc()
		err = errors.Wrapf(err, "layer %q", param.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "construction failed")
		return nil, err
	}

	constructions.WithLabelValues(param.Type, l.Engine().String()).Inc()
	span.SetAttributes(attribute.String("layer.engine", l.Engine().String()))
	log.Debug().
		Str("layer", param.Name).
		Str("type", param.Type).
		Str("engine", l.Engine().String()).
		Msg("Constructed layer")
	return timed(l), nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.creators))
	for t := range r.creators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
