package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/naming/endpoints"
	"go.uber.org/zap"
)

// Registry keeps one server registered in etcd under a lease.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *clientv3.Client
	em     endpoints.Manager

	mu      sync.Mutex
	leaseID clientv3.LeaseID

	key string
	val endpoints.Endpoint
	ttl int64
}

// RegisterService registers serviceAddr for serviceName and keeps the
// lease alive until Unregister.
func RegisterService(addrs []string, serviceName, serviceAddr string, metadata map[string]string, ttl int64) (*Registry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   addrs,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	r, err := register(cli, serviceName, serviceAddr, metadata, ttl)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return r, nil
}

func register(cli *clientv3.Client, serviceName, serviceAddr string, metadata map[string]string, ttl int64) (*Registry, error) {
	if ttl <= 0 {
		ttl = 60
	}
	em, err := endpoints.NewManager(cli, serviceName)
	if err != nil {
		return nil, fmt.Errorf("registry: endpoints manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		ctx:    ctx,
		cancel: cancel,
		client: cli,
		em:     em,
		key:    endpointKey(serviceName, serviceAddr),
		val:    endpoints.Endpoint{Addr: serviceAddr, Metadata: metadata},
		ttl:    ttl,
	}
	if err := r.add(); err != nil {
		cancel()
		return nil, err
	}

	go r.keepAlive()

	return r, nil
}

// add grants a fresh lease and writes the endpoint under it.
func (r *Registry) add() error {
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("registry: create lease: %w", err)
	}
	if err := r.em.AddEndpoint(ctx, r.key, r.val, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: add endpoint: %w", err)
	}
	r.mu.Lock()
	r.leaseID = lease.ID
	r.mu.Unlock()
	return nil
}

// keepAlive renews the lease and registers again when it is lost.
func (r *Registry) keepAlive() {
	for {
		r.mu.Lock()
		id := r.leaseID
		r.mu.Unlock()

		ch, err := r.client.KeepAlive(r.ctx, id)
		if err != nil {
			zap.L().Error("registry: keep alive failed", zap.String("key", r.key), zap.Error(err))
			return
		}
		for range ch {
		}
		if r.ctx.Err() != nil {
			return
		}

		zap.L().Warn("registry: lease lost, registering again", zap.String("key", r.key))
		if err := r.add(); err != nil {
			zap.L().Error("registry: register again failed", zap.String("key", r.key), zap.Error(err))
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Unregister removes the endpoint, revokes the lease and closes the client.
func (r *Registry) Unregister() error {
	r.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := r.em.DeleteEndpoint(ctx, r.key); err != nil {
		zap.L().Warn("registry: delete endpoint failed", zap.String("key", r.key), zap.Error(err))
	}
	r.mu.Lock()
	id := r.leaseID
	r.mu.Unlock()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		zap.L().Warn("registry: revoke lease failed", zap.String("key", r.key), zap.Error(err))
	}

	return r.client.Close()
}
