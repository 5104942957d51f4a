// Package driver defines the single contract every data-movement component
// implements: one Run method against a resolved step configuration and a
// set of named inputs, plus a Metadata method describing the component.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Metadata identifies a driver implementation.
type Metadata struct {
	Name    string
	Version string
	Type    string
}

// Context is the capability object threaded through Run: an explicit
// interface so a driver running inside the worker sandbox and a driver
// running in the local adapter see an identical surface. It never exposes
// raw session state.
type Context interface {
	LogEvent(name string, fields map[string]any)
	LogMetric(name string, value float64, unit string, tags map[string]string)
	ArtifactsDir(stepID string) (string, error)
	Env(name string) (string, bool)
}

// Inputs maps an input key to the value an upstream step produced for it.
type Inputs map[string]any

// Outputs maps an output key to the value a step produced.
type Outputs map[string]any

// Driver is the polymorphic entity every registered component implements.
// Drivers are stateless between invocations: a fresh instance is
// constructed for every step execution.
type Driver interface {
	Metadata() Metadata
	Run(ctx context.Context, stepID string, resolvedConfig map[string]any, inputs Inputs, driverCtx Context) (Outputs, error)
}

// Constructor builds a fresh driver instance for one step invocation.
type Constructor func() Driver

// Registry indexes driver constructors by component@version reference,
// following the same RWMutex-guarded-map, sorted-List shape as
// internal/registry.Registry.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register associates a component@version reference with a constructor.
// Registering the same ref twice overwrites the prior constructor.
func (r *Registry) Register(ref string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[ref] = ctor
}

// New constructs a fresh driver instance for ref.
func (r *Registry) New(ref string) (Driver, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("E_DRIVER_UNKNOWN: no driver registered for %q", ref)
	}
	return ctor(), nil
}

// List returns registered driver refs in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.constructors))
	for ref := range r.constructors {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
