// Package registry maps service names to the instances that serve them.
package registry

import "context"

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// Registry is the service directory shared by servers and clients.
// Implementations must be safe for concurrent use.
type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
