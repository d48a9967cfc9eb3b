// Package loadbalance picks which chat backend serves a prompt.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity backends
//   - WeightedRandom:  heterogeneous backends (different GPUs)
//   - ConsistentHash:  the same prompt goes to the same backend, keeping its KV cache warm
package loadbalance

import (
	"fmt"

	"datapack-rpc/registry"
)

// Balancer is the interface for load balancing strategies.
// The chat client calls Pick() before each request.
type Balancer interface {
	// Pick selects one instance from the available list. key is only consulted by
	// key-affine strategies. Must be goroutine-safe.
	Pick(key string, instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

const (
	RoundRobin     = "round_robin"
	WeightedRandom = "weighted_random"
	ConsistentHash = "consistent_hash"
)

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case RoundRobin, "":
		return &RoundRobinBalancer{}, nil
	case WeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case ConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
