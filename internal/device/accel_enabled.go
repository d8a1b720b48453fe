//go:build !noaccel

package device

const acceleratedCompiledIn = true
