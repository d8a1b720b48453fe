// Package device reports which engines this process can run and provides
// the worker fan-out and BLAS plumbing the accelerated kernels build on.
package device

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-layers/internal/engine"
)

var (
	detectOnce sync.Once
	detected   engine.Capabilities
)

// Detect returns the capability set compiled into this binary. The value is
// computed on first use and never changes afterwards.
func Detect() engine.Capabilities {
	detectOnce.Do(func() {
		detected = engine.Capabilities{Accelerated: acceleratedCompiledIn}
		log.Debug().
			Str("capabilities", detected.String()).
			Str("blas", BLASImplementation()).
			Int("workers", Workers()).
			Msg("Detected engine capabilities")
	})
	return detected
}

// Restrict narrows caps according to a configuration value: "reference"
// drops the accelerated engine, "auto" (or empty) keeps caps unchanged.
func Restrict(caps engine.Capabilities, mode string) (engine.Capabilities, bool) {
	switch mode {
	case "", "auto":
		return caps, true
	case "reference":
		return engine.ReferenceOnly(), true
	}
	return caps, false
}
