// Package types defines the domain types shared by the kiln server, its
// clients and the consumer handoff.
package types

import "strings"

// ModuleID is an opaque module identifier as understood by the transform
// collaborator. Equality is exact; no case folding or path cleaning is applied.
type ModuleID = string

// VirtualPrefix marks an id that does not correspond to a file on disk.
const VirtualPrefix = "\x00"

// IsVirtual reports whether id names a virtual module.
func IsVirtual(id ModuleID) bool {
	return strings.HasPrefix(id, VirtualPrefix) || strings.HasPrefix(id, "virtual:")
}

// TransformedModule is the result of resolving and transforming one module.
// It is immutable once produced.
type TransformedModule struct {
	// ID is the normalized module id.
	ID ModuleID `json:"id"`
	// Code is the wrapped function-literal source.
	Code string `json:"code"`
	// Deps are the statically imported module ids, in source order.
	Deps []ModuleID `json:"deps"`
	// DynamicDeps are the dynamically imported module ids, in source order.
	DynamicDeps []ModuleID `json:"dynamicDeps"`
	// External is true when Code is an external stub that delegates to the
	// consumer's native import.
	External bool `json:"external,omitempty"`
}

// ResolvedID is the result of the resolution-only step.
type ResolvedID struct {
	// ID is the resolved module id.
	ID ModuleID `json:"id"`
	// External is true when the id is loaded natively by the consumer.
	External bool `json:"external,omitempty"`
}
