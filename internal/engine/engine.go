// Package engine decides which implementation of an operator kind gets built.
//
// The policy is a pure function of the requested preference, the capability
// set the process was started with and the operator's own parameters. Kinds
// attach their compatibility exceptions as Rules; a triggered rule always
// routes to the Reference implementation.
package engine

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Preference is the engine requested by an operator description.
type Preference int

const (
	Default Preference = iota
	Reference
	Accelerated
)

func (p Preference) String() string {
	switch p {
	case Default:
		return "default"
	case Reference:
		return "reference"
	case Accelerated:
		return "accelerated"
	}
	return fmt.Sprintf("Preference(%d)", int(p))
}

// ParsePreference accepts the names produced by String. The empty string is Default.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "", "default", "DEFAULT":
		return Default, nil
	case "reference", "REFERENCE":
		return Reference, nil
	case "accelerated", "ACCELERATED":
		return Accelerated, nil
	}
	return 0, errors.Wrapf(ErrUnknownEngine, "%q", s)
}

// Engine is a resolved implementation variant.
type Engine int

const (
	EngineReference Engine = iota + 1
	EngineAccelerated
)

func (e Engine) String() string {
	switch e {
	case EngineReference:
		return "reference"
	case EngineAccelerated:
		return "accelerated"
	}
	return fmt.Sprintf("Engine(%d)", int(e))
}

var (
	// ErrUnsupportedEngine means Accelerated was requested where none exists.
	ErrUnsupportedEngine = errors.New("unsupported engine")
	// ErrUnknownEngine means the preference is not a known value.
	ErrUnknownEngine = errors.New("unknown engine")
)

// Capabilities is the set of engines available to this process. It is
// computed once at startup and passed to every policy decision.
type Capabilities struct {
	Accelerated bool
}

// ReferenceOnly is the capability set of a build without accelerated kernels.
func ReferenceOnly() Capabilities { return Capabilities{} }

// ReferenceAndAccelerated is the capability set of a full build.
func ReferenceAndAccelerated() Capabilities { return Capabilities{Accelerated: true} }

func (c Capabilities) String() string {
	if c.Accelerated {
		return "{reference,accelerated}"
	}
	return "{reference}"
}

// Rule is a kind-specific exception under which the accelerated
// implementation refuses a request.
type Rule[P any] struct {
	Name    string
	Applies func(p P) bool
}

// Policy holds the selection data of one operator kind.
type Policy[P any] struct {
	Kind string
	// HasAccelerated is false for kinds with only a reference implementation.
	HasAccelerated bool
	Exceptions     []Rule[P]
}

// Decision is the outcome of Resolve.
type Decision struct {
	Engine Engine
	// Fallback names the rule that forced Reference, if any.
	Fallback string
}

// Resolve maps a preference to a concrete engine.
//
// Order: unknown preferences fail; an explicit Accelerated request fails when
// no accelerated engine exists at all; an explicit Reference is honoured;
// then exception rules force Reference; otherwise Default takes Accelerated
// when available.
func (p Policy[P]) Resolve(pref Preference, caps Capabilities, params P) (Decision, error) {
	switch pref {
	case Default, Reference, Accelerated:
	default:
		return Decision{}, errors.Wrapf(ErrUnknownEngine, "%s: preference %d", p.Kind, int(pref))
	}

	available := caps.Accelerated && p.HasAccelerated
	if pref == Accelerated && !available {
		return Decision{}, errors.Wrapf(ErrUnsupportedEngine, "%s: accelerated engine requested, capabilities %s", p.Kind, caps)
	}
	if pref == Reference {
		return p.record(Decision{Engine: EngineReference}), nil
	}

	for _, rule := range p.Exceptions {
		if rule.Applies(params) {
			fallbacks.WithLabelValues(p.Kind, rule.Name).Inc()
			return p.record(Decision{Engine: EngineReference, Fallback: rule.Name}), nil
		}
	}

	if available {
		return p.record(Decision{Engine: EngineAccelerated}), nil
	}
	return p.record(Decision{Engine: EngineReference}), nil
}

func (p Policy[P]) record(d Decision) Decision {
	resolutions.WithLabelValues(p.Kind, d.Engine.String()).Inc()
	if d.Fallback != "" {
		log.Debug().Str("kind", p.Kind).Str("rule", d.Fallback).Msg("Accelerated engine excluded, using reference")
	}
	return d
}
