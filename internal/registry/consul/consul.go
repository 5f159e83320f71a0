// Package consul implements the registry interface against a Consul agent.
package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/registry"
)

// Registry talks to a Consul agent.
type Registry struct {
	client     *consulapi.Client
	datacenter string
}

// New creates a Consul-backed registry.
func New(cfg config.RegistryConfig) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	// Fail fast when the agent is unreachable at startup.
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to consul: %w", err)
	}

	return &Registry{client: client, datacenter: cfg.Datacenter}, nil
}

// Register registers a service instance with an HTTP health check pointed
// at the instance's /health endpoint.
func (r *Registry) Register(ctx context.Context, inst *registry.Instance) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      inst.ID,
		Name:    inst.Name,
		Address: inst.Address,
		Port:    inst.Port,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", inst.Address, inst.Port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	return nil
}

// Deregister removes a service instance.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	if err := r.client.Agent().ServiceDeregister(instanceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// Discover returns the currently-passing instances of a service.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Instance, error) {
	queryOpts := (&consulapi.QueryOptions{Datacenter: r.datacenter}).WithContext(ctx)

	entries, _, err := r.client.Health().Service(serviceName, "", true, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrUnavailable, err)
	}

	instances := make([]*registry.Instance, 0, len(entries))
	for _, entry := range entries {
		inst := &registry.Instance{
			ID:      entry.Service.ID,
			Name:    entry.Service.Service,
			Address: entry.Service.Address,
			Port:    entry.Service.Port,
		}
		// Consul leaves the service address empty when it equals the node's.
		if inst.Address == "" {
			inst.Address = entry.Node.Address
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

// Close is a no-op; the consul client has no persistent connection.
func (r *Registry) Close() error {
	return nil
}
