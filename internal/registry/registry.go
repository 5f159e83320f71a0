// Package registry defines the service-registry abstraction the gateway
// uses for backend discovery and for registering itself.
package registry

import (
	"context"
	"errors"
	"fmt"
)

// Instance is a single backend instance as reported by the registry.
type Instance struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// URL returns the base HTTP URL for the instance.
func (i *Instance) URL() string {
	return fmt.Sprintf("http://%s:%d", i.Address, i.Port)
}

// HostPort returns the instance's dial address.
func (i *Instance) HostPort() string {
	return fmt.Sprintf("%s:%d", i.Address, i.Port)
}

// Registry is the service-registry interface. The registry's own consensus
// and storage are external; the gateway only queries and registers.
type Registry interface {
	// Register registers a service instance.
	Register(ctx context.Context, inst *Instance) error

	// Deregister removes a service instance.
	Deregister(ctx context.Context, instanceID string) error

	// Discover returns all currently-healthy instances of a service.
	Discover(ctx context.Context, serviceName string) ([]*Instance, error)

	// Close releases the registry connection.
	Close() error
}

// ErrNoInstance is returned by Client.Pick when no healthy instance is
// available within the staleness bound.
var ErrNoInstance = errors.New("no healthy instance available")

// ErrUnavailable is returned when the registry itself cannot be reached.
var ErrUnavailable = errors.New("registry unavailable")
