package registry

import (
	"context"
	"sync"
)

// StaticRegistry keeps instances in memory. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]Instance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{instances: make(map[string][]Instance)}
}

// Register adds instance, replacing any existing entry with the same address.
func (r *StaticRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.instances[service]
	for i, existing := range list {
		if existing.Addr == instance.Addr {
			list[i] = instance
			return nil
		}
	}
	r.instances[service] = append(list, instance)
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.instances[service]
	for i, inst := range list {
		if inst.Addr == addr {
			r.instances[service] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// Discover returns a copy so callers may not mutate the registry.
func (r *StaticRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Instance(nil), r.instances[service]...), nil
}
