package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"datapack-rpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes).
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring so a handful
// of backends still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string                       // instance set the ring was built from
	ring      []uint32                     // Sorted hash values on the ring
	nodes     map[uint32]registry.Instance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.Instance),
	}
}

// Pick finds the instance responsible for key. The ring is rebuilt whenever the discovered
// instance set differs from the one it was built from.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(instances); sig != b.signature {
		b.rebuild(instances)
		b.signature = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// rebuild places every instance onto a fresh ring, each with N virtual nodes hashed from
// "{addr}#{i}".
func (b *ConsistentHashBalancer) rebuild(instances []registry.Instance) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Instance, len(instances)*b.replicas)
	for _, instance := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = instance
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func signature(instances []registry.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, "\x00")
}

func (b *ConsistentHashBalancer) Name() string {
	return ConsistentHash
}
