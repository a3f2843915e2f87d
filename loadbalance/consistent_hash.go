package loadbalance

import (
	"fmt"
	"hash/crc32"
	"mini-rpc/registry"
	"sort"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity — useful for stateful services or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per instance ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int                                  // Virtual nodes per real instance
	ring     []uint32                             // Sorted hash values on the ring
	nodes    map[uint32]*registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick implements Balancer: it keeps the ring in sync with instances (so the
// ring is populated even before any registry.Watch update has arrived), then
// hashes key to find the instance responsible for it. The same key always
// maps to the same instance for a fixed topology — cache affinity. Distinct
// keys spread across instances via the ring's virtual nodes.
//
// It binary-searches for the first node >= hash on the ring, wrapping around
// to the first node if the hash is larger than all of them (ring property).
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	b.Sync(instances)

	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// Remove takes an instance off the hash ring by recomputing the same virtual
// node hashes Add used and dropping them. Keys that hashed to those nodes
// move to their new clockwise neighbor on the next Pick.
func (b *ConsistentHashBalancer) Remove(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", instance.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		delete(b.nodes, hash)
	}
	ring := b.ring[:0:0]
	for _, h := range b.ring {
		if _, ok := b.nodes[h]; ok {
			ring = append(ring, h)
		}
	}
	b.ring = ring
}

// Sync reconciles the ring with the given instance list: anything not in
// instances is removed, anything new is added. Client uses this to rebuild
// the ring from a registry.Watch snapshot without restarting the balancer.
func (b *ConsistentHashBalancer) Sync(instances []registry.ServiceInstance) {
	want := make(map[string]*registry.ServiceInstance, len(instances))
	for i := range instances {
		want[instances[i].Addr] = &instances[i]
	}

	have := map[string]bool{}
	for _, inst := range b.nodes {
		have[inst.Addr] = true
	}

	for addr := range have {
		if _, ok := want[addr]; !ok {
			b.Remove(&registry.ServiceInstance{Addr: addr})
		}
	}
	for addr, inst := range want {
		if !have[addr] {
			b.Add(inst)
		}
	}
}
