// Package adapter defines the contract between the execution core and the
// pluggable actions that perform step work, plus the registry that maps a
// step's action name to its implementation.
package adapter

import (
	"context"
	"sort"
	"sync"
)

// Adapter performs the work of one step.
//
// Execute receives the step's params and returns the step outputs plus
// adapter-reported metadata. A non-nil error is a step-level failure; the
// core records the error text on the step and applies its failure policy.
// The core treats both maps as opaque except for the well-known metadata
// keys "tokens", "cost", "model" and "duration_ms", which are mirrored
// into the step's execution metrics for workflow-level aggregation.
//
// Implementations should respect context cancellation; the core never
// interrupts an in-flight call itself.
type Adapter interface {
	Execute(ctx context.Context, params map[string]any) (output map[string]any, metadata map[string]any, err error)
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, params map[string]any) (map[string]any, map[string]any, error)

// Execute implements Adapter.
func (f Func) Execute(ctx context.Context, params map[string]any) (map[string]any, map[string]any, error) {
	return f(ctx, params)
}

// Registry maps action names to adapters. It is populated at startup from
// the available credentials; actions without a registered adapter fall
// back to explicit simulation in the worker.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an action name to an adapter, replacing any previous
// binding for the same name.
func (r *Registry) Register(action string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[action] = a
}

// Get returns the adapter for an action, or false when none is registered.
func (r *Registry) Get(action string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[action]
	return a, ok
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
