package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/datapack-rpc/"

// EtcdRegistry implements Registry using etcd v3.
//
//	Key:   /datapack-rpc/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the publishing process dies, the lease expires and
// the backend disappears from discovery instead of lingering as a ghost.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister

	// keepalive streams outlive the Register call that started them
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func instanceKey(service, addr string) string {
	return keyPrefix + service + "/" + addr
}

// Register puts instance under a lease of ttl seconds and keeps the lease alive until
// Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain keepalive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister deletes the key and revokes its lease, which also ends the keepalive.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := instanceKey(service, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Discover returns every instance currently published under service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops all keepalives and closes the client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
