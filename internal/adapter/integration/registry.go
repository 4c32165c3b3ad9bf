// Package integration defines the adapter contract for external integrations
// and the registry the engine dispatches through.
package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/domain"
)

// Wildcard registers an adapter for every target without a more specific one.
const Wildcard = "*"

// Result is what an adapter returns for one invocation.
type Result struct {
	Output     interface{}
	TokensUsed int
	CostUSD    float64
}

// Adapter performs the side effect of one integration call.
type Adapter interface {
	Invoke(ctx context.Context, target string, config map[string]interface{}, runContext map[string]interface{}) (Result, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, target string, config map[string]interface{}, runContext map[string]interface{}) (Result, error)

// Invoke calls f.
func (f AdapterFunc) Invoke(ctx context.Context, target string, config map[string]interface{}, runContext map[string]interface{}) (Result, error) {
	return f(ctx, target, config, runContext)
}

type registration struct {
	id      uint64
	target  string
	adapter Adapter
}

// Registry maps targets to adapters. Registrations are kept in order and
// looked up newest first: the most recent exact registration wins, then the
// most recent wildcard.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
	nextID  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an adapter for target and returns a disposer that removes it.
// Calling the disposer more than once is a no-op.
func (r *Registry) Register(target string, a Adapter) (func(), error) {
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}
	if a == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if target != Wildcard {
		target = catalog.Normalize(target)
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, registration{id: id, target: target, adapter: a})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unregister(id) })
	}, nil
}

// MustRegister is Register that panics on invalid input.
func (r *Registry) MustRegister(target string, a Adapter) func() {
	dispose, err := r.Register(target, a)
	if err != nil {
		panic(err)
	}
	return dispose
}

func (r *Registry) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Lookup returns the adapter that would serve target.
func (r *Registry) Lookup(target string) (Adapter, bool) {
	key := catalog.Normalize(target)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].target == key {
			return r.entries[i].adapter, true
		}
	}
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].target == Wildcard {
			return r.entries[i].adapter, true
		}
	}
	return nil, false
}

// Targets lists registered targets, newest first, without duplicates.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for i := len(r.entries) - 1; i >= 0; i-- {
		t := r.entries[i].target
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// Close removes every registration.
func (r *Registry) Close() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}

// Invoke dispatches to the adapter for target. Adapter failures are wrapped
// with domain.ErrIntegration; context errors are passed through unchanged.
func (r *Registry) Invoke(ctx context.Context, target string, config map[string]interface{}, runContext map[string]interface{}) (Result, error) {
	a, ok := r.Lookup(target)
	if !ok {
		return Result{}, fmt.Errorf("%w: no adapter registered for %s", domain.ErrIntegration, target)
	}
	res, err := a.Invoke(ctx, target, config, runContext)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrIntegration) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s: %w", domain.ErrIntegration, target, err)
	}
	return res, nil
}
