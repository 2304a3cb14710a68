package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every registration:
//
//	Key:   /envelope-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
const KeyPrefix = "/envelope-rpc/"

// EtcdRegistry implements Registry on etcd v3. Registrations are attached
// to TTL leases kept alive in the background, so a crashed server drops
// out once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]leaseEntry // by registry key
}

type leaseEntry struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops the keepalive
}

// NewEtcdRegistry connects to the given etcd endpoints. A nil logger uses zap.L().
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.L()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetwork, "connect to etcd")
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]leaseEntry)}, nil
}

func serviceKey(serviceName, addr string) string {
	return servicePrefix(serviceName) + addr
}

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

// Register puts the instance under a lease of ttl seconds and keeps the
// lease alive until Deregister or Close. Registering the same instance
// again replaces its lease.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	key := serviceKey(serviceName, instance.Addr)

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInvalidInput, "encode instance %s", key)
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "grant lease for %s", key)
	}

	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		r.revoke(ctx, lease.ID)
		return errors.Wrapf(err, errors.CodeNetwork, "put %s", key)
	}

	// The keepalive outlives the registering call, so it must not inherit ctx.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		r.revoke(ctx, lease.ID)
		return errors.Wrapf(err, errors.CodeNetwork, "keep lease of %s alive", key)
	}

	r.mu.Lock()
	prev, replaced := r.leases[key]
	r.leases[key] = leaseEntry{id: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if replaced {
		prev.cancel()
		r.revoke(ctx, prev.id)
	}

	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped",
			zap.String("service", serviceName),
			zap.String("addr", instance.Addr),
		)
	}()
	return nil
}

// Deregister removes the instance. When this registry owns its lease the
// lease is revoked, which stops the keepalive and deletes the key.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)

	r.mu.Lock()
	entry, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		entry.cancel()
		if _, err := r.client.Revoke(ctx, entry.id); err != nil {
			return errors.Wrapf(err, errors.CodeNetwork, "revoke lease of %s", key)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "delete %s", key)
	}
	return nil
}

// revoke drops a lease on a failure path. The lease expires on its own if
// this fails too.
func (r *EtcdRegistry) revoke(ctx context.Context, id clientv3.LeaseID) {
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.logger.Warn("revoke lease failed", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

// Watch re-reads the full instance list on every change under the
// service prefix (simpler than applying individual watch events).
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("discover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeUnavailable, "discover %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every lease keepalive and releases the etcd client. Leases
// still registered expire after their TTL.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, entry := range r.leases {
		entry.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return errors.Wrap(err, errors.CodeNetwork, "close etcd client")
	}
	return nil
}
