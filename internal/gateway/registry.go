// Package gateway resolves exchange adapters for execution targets. Adapters
// are registered per (exchange, env) at bootstrap; the registry hands out
// cached instances, never constructing ad-hoc clients mid-dispatch.
package gateway

import (
	"errors"
	"fmt"
	"sync"

	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/symbols"
)

var (
	// ErrNoAdapter means no adapter is registered for an (exchange, env).
	ErrNoAdapter = errors.New("gateway: no adapter registered")
)

// Factory builds an adapter for one (exchange, env) pair. Concrete venue
// clients are injected from outside the core.
type Factory func(exchangeName string, env symbols.Env) (exchange.Adapter, error)

// Registry maps (exchange, env) to a live adapter instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]exchange.Adapter
	factory  Factory
}

// NewRegistry creates a registry backed by the given factory. The factory
// may be nil when all adapters are registered explicitly.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		adapters: make(map[string]exchange.Adapter),
		factory:  factory,
	}
}

func key(exchangeName string, env symbols.Env) string {
	return exchangeName + ":" + string(env)
}

// Register installs an adapter for an (exchange, env) pair.
func (r *Registry) Register(exchangeName string, env symbols.Env, a exchange.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key(exchangeName, env)] = a
}

// Resolve returns the adapter for an (exchange, env) pair, constructing and
// caching it via the factory on first use.
func (r *Registry) Resolve(exchangeName string, env symbols.Env) (exchange.Adapter, error) {
	k := key(exchangeName, env)

	r.mu.RLock()
	a, ok := r.adapters[k]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	if r.factory == nil {
		return nil, fmt.Errorf("%w for %s/%s", ErrNoAdapter, exchangeName, env)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have won the race.
	if a, ok := r.adapters[k]; ok {
		return a, nil
	}
	a, err := r.factory(exchangeName, env)
	if err != nil {
		return nil, fmt.Errorf("gateway: build adapter %s/%s: %w", exchangeName, env, err)
	}
	r.adapters[k] = a
	return a, nil
}
