// Package memory implements an in-process registry for tests and
// single-box development.
package memory

import (
	"context"
	"sync"

	"github.com/skyfleet/gateway/internal/registry"
)

// Registry keeps instances in a map. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]map[string]*registry.Instance // service name -> id -> instance
	failing   bool
}

// New creates an empty in-memory registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]map[string]*registry.Instance),
	}
}

// Register adds or replaces an instance.
func (r *Registry) Register(ctx context.Context, inst *registry.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return registry.ErrUnavailable
	}
	byID, ok := r.instances[inst.Name]
	if !ok {
		byID = make(map[string]*registry.Instance)
		r.instances[inst.Name] = byID
	}
	byID[inst.ID] = inst
	return nil
}

// Deregister removes an instance by id across all services.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return registry.ErrUnavailable
	}
	for _, byID := range r.instances {
		delete(byID, instanceID)
	}
	return nil
}

// Discover returns all registered instances for a service.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.failing {
		return nil, registry.ErrUnavailable
	}
	byID := r.instances[serviceName]
	out := make([]*registry.Instance, 0, len(byID))
	for _, inst := range byID {
		out = append(out, inst)
	}
	return out, nil
}

// Close is a no-op.
func (r *Registry) Close() error {
	return nil
}

// SetFailing makes all operations return ErrUnavailable (for staleness
// tests).
func (r *Registry) SetFailing(failing bool) {
	r.mu.Lock()
	r.failing = failing
	r.mu.Unlock()
}
