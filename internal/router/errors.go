package router

import (
	"fmt"
	"strings"

	"github.com/diorama-ai/diorama/internal/backend"
)

// CapabilityNotConfiguredError is returned when no model is mapped to
// the requested capability. It fails fast, before any backend call.
type CapabilityNotConfiguredError struct {
	Capability backend.Capability
}

func (e *CapabilityNotConfiguredError) Error() string {
	return fmt.Sprintf("no model configured for capability %q", e.Capability)
}

// BackendOpenError marks a hop skipped because its circuit breaker is
// open. Cascades treat it like quota exhaustion: move on, never retry.
type BackendOpenError struct {
	Backend string
}

func (e *BackendOpenError) Error() string {
	return fmt.Sprintf("%s: circuit breaker open", e.Backend)
}

// HopError records one exhausted cascade hop.
type HopError struct {
	Backend string
	Model   string
	Err     error
}

// CascadeError aggregates every hop's failure once a cascade is fully
// exhausted. The first hop's error is the root cause.
type CascadeError struct {
	Capability backend.Capability
	Hops       []HopError
}

func (e *CascadeError) Error() string {
	parts := make([]string, len(e.Hops))
	for i, h := range e.Hops {
		parts[i] = fmt.Sprintf("%s/%s: %v", h.Backend, h.Model, h.Err)
	}
	return fmt.Sprintf("all %s hops failed: %s", e.Capability, strings.Join(parts, "; "))
}

func (e *CascadeError) Unwrap() []error {
	errs := make([]error, len(e.Hops))
	for i, h := range e.Hops {
		errs[i] = h.Err
	}
	return errs
}
