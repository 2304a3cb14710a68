package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry keeps instances in process. It ignores TTLs and is meant
// for tests and single-process setups.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// Register adds or replaces the instance with the same address.
func (m *MemoryRegistry) Register(_ context.Context, serviceName string, inst ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := slices.DeleteFunc(m.instances[serviceName], func(i ServiceInstance) bool { return i.Addr == inst.Addr })
	m.instances[serviceName] = append(insts, inst)
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[serviceName] = slices.DeleteFunc(m.instances[serviceName], func(i ServiceInstance) bool { return i.Addr == addr })
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances[serviceName]), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[serviceName] = slices.DeleteFunc(m.watchers[serviceName], func(c chan []ServiceInstance) bool { return c == ch })
		close(ch)
	}()
	return ch
}

// notifyLocked sends the latest list to every watcher, replacing a pending
// list the watcher has not read yet.
func (m *MemoryRegistry) notifyLocked(serviceName string) {
	for _, ch := range m.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(m.instances[serviceName])
	}
}
