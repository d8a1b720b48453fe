//go:build noaccel

package device

// Built with -tags noaccel: only reference kernels are offered.
const acceleratedCompiledIn = false
