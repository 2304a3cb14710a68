package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"envelope-rpc/registry"
)

// DefaultReplicas is the number of virtual nodes per real instance.
const DefaultReplicas = 100

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity for stateful services or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
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
//
// The ring is rebuilt only when the instance list passed to Pick changes.
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string   // addresses the ring was built from
	ring      []uint32 // sorted virtual node hashes
	nodes     map[uint32]registry.ServiceInstance
}

// NewConsistentHashBalancer creates a hash ring with DefaultReplicas virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: DefaultReplicas}
}

// Pick hashes key and walks clockwise to the first virtual node. A hash
// larger than every node wraps around to the first one.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// rebuild places every instance on the ring as replicas virtual nodes,
// each hashed from "{addr}#{i}". The caller holds b.mu.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	signature := strings.Join(addrs, ",")
	if signature == b.signature && b.ring != nil {
		return
	}

	b.signature = signature
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
