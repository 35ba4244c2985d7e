// Package registry implements the interface registry of §4.1: a process-
// wide mapping from an abstract interface name (e.g. "StubbornLinks") to the
// concrete implementation chosen for a run (e.g. "retransmit-ack").
//
// The Python source resolves this with `implements`/`uses` class decorators
// and reflection (`basic.py`); §9 explicitly calls for replacing that with
// "explicit constructors or a small builder... the implements/uses
// annotations map to traits/interfaces and required-capabilities lists."
// This package is that builder's bookkeeping half: it tracks which
// implementation names are valid candidates for which interface and which
// one is bound for this run. The actual typed wiring (a concrete Go struct
// satisfying the interface, with its own typed "uses" fields) lives in
// internal/stack, which validates each selection with Bind and then picks
// a constructor from its own Config fields — mirroring the original ifconf.py's single hardcoded `mapping`
// generalized into something that can hold more than one candidate.
package registry

import "fmt"

// Registry tracks, per interface name, the set of registered candidate
// implementation names and the one bound for the current run.
type Registry struct {
	candidates map[string]map[string]bool
	bound      map[string]string
	order      map[string][]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		candidates: make(map[string]map[string]bool),
		bound:      make(map[string]string),
		order:      make(map[string][]string),
	}
}

// Register adds impl as a candidate implementation for iface. Calling it
// twice for the same pair is a no-op.
func (r *Registry) Register(iface, impl string) {
	set, ok := r.candidates[iface]
	if !ok {
		set = make(map[string]bool)
		r.candidates[iface] = set
	}
	if !set[impl] {
		set[impl] = true
		r.order[iface] = append(r.order[iface], impl)
	}
}

// Bind selects impl as the concrete binding for iface for this run. impl
// must already be a registered candidate.
func (r *Registry) Bind(iface, impl string) error {
	set := r.candidates[iface]
	if set == nil || !set[impl] {
		return fmt.Errorf("registry: %q is not a registered candidate for interface %q", impl, iface)
	}
	r.bound[iface] = impl
	return nil
}

// Resolve returns the bound implementation name for iface. Per §7,
// unresolved interface bindings are a fatal stack-construction-time error.
func (r *Registry) Resolve(iface string) (string, error) {
	impl, ok := r.bound[iface]
	if !ok {
		return "", fmt.Errorf("registry: no implementation bound for interface %q (candidates: %v)", iface, r.order[iface])
	}
	return impl, nil
}

// Candidates lists the registered implementation names for iface, in
// registration order.
func (r *Registry) Candidates(iface string) []string {
	out := make([]string, len(r.order[iface]))
	copy(out, r.order[iface])
	return out
}
