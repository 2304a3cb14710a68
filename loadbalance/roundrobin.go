package loadbalance

import (
	"sync/atomic"

	"envelope-rpc/registry"
)

// RoundRobinBalancer distributes requests evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
