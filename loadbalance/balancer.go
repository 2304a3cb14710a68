// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"envelope-rpc/registry"

	"github.com/jmgilman/go/errors"
)

// ErrNoInstances is returned by every strategy when the instance list is empty.
var ErrNoInstances = errors.New(errors.CodeUnavailable, "no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies
	// the call ("Service.Method" unless the caller sets a routing key);
	// only key-based strategies look at it.
	// Called on every RPC call, so it must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the strategy registered under name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Newf(errors.CodeInvalidConfig, "unknown load balancer %q", name)
	}
}
