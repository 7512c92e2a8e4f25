package etcd

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/naming/endpoints"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zhttp/discovery"
)

const (
	dialTimeout    = 5 * time.Second
	requestTimeout = 3 * time.Second
)

// Discovery etcd-based service discovery. Servers register under
// "<service>/<addr>" through the etcd endpoints manager; the list follows
// the registrations through a watch.
type Discovery struct {
	ctx    context.Context
	cancel context.CancelFunc

	client          *clientv3.Client
	em              endpoints.Manager
	serviceName     string
	servers         []string
	r               *rand.Rand
	mu              sync.Mutex
	idx             int
	refreshInterval time.Duration
	lastRefresh     time.Time
}

var _ discovery.Discovery = (*Discovery)(nil)

// NewDiscovery Create etcd-based service discovery
func NewDiscovery(addrs []string, serviceName string) (*Discovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   addrs,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd: %w", err)
	}
	return newDiscovery(cli, serviceName)
}

func newDiscovery(cli *clientv3.Client, serviceName string) (*Discovery, error) {
	em, err := endpoints.NewManager(cli, serviceName)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("discovery: endpoints manager: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Discovery{
		client:          cli,
		em:              em,
		serviceName:     serviceName,
		r:               rand.New(rand.NewSource(time.Now().UnixNano())),
		refreshInterval: time.Minute,
		ctx:             ctx,
		cancel:          cancel,
	}

	if err := d.Refresh(); err != nil {
		cli.Close()
		cancel()
		return nil, err
	}

	go d.watch()

	return d, nil
}

// watch refreshes the list whenever a registration changes.
func (d *Discovery) watch() {
	wch, err := d.em.NewWatchChannel(d.ctx)
	if err != nil {
		zap.L().Warn("discovery: watch failed", zap.String("service", d.serviceName), zap.Error(err))
		return
	}
	for ups := range wch {
		for _, up := range ups {
			zap.L().Debug("discovery: endpoint changed",
				zap.String("service", d.serviceName),
				zap.String("key", up.Key),
				zap.Int("op", int(up.Op)))
		}
		if err := d.Refresh(); err != nil {
			zap.L().Warn("discovery: refresh failed", zap.String("service", d.serviceName), zap.Error(err))
		}
	}
}

// Refresh the list of services from etcd.
func (d *Discovery) Refresh() error {
	ctx, cancel := context.WithTimeout(d.ctx, requestTimeout)
	defer cancel()

	eps, err := d.em.List(ctx)
	if err != nil {
		return fmt.Errorf("discovery: list %s: %w", d.serviceName, err)
	}

	servers := make([]string, 0, len(eps))
	for _, ep := range eps {
		servers = append(servers, ep.Addr)
	}
	sort.Strings(servers)

	d.mu.Lock()
	d.servers = servers
	d.lastRefresh = time.Now()
	d.mu.Unlock()
	return nil
}

// Update replaces the list until the next refresh.
func (d *Discovery) Update(servers []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.servers = append([]string(nil), servers...)
	return nil
}

func (d *Discovery) stale() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.servers) == 0 || time.Since(d.lastRefresh) > d.refreshInterval
}

// Get a service address based on a load balancing policy
func (d *Discovery) Get(mode discovery.SelectMode) (string, error) {
	if d.stale() {
		if err := d.Refresh(); err != nil {
			return "", err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.servers)
	if n == 0 {
		return "", discovery.ErrNoServers
	}

	switch mode {
	case discovery.RandomSelect:
		return d.servers[d.r.Intn(n)], nil
	case discovery.RoundRobinSelect:
		addr := d.servers[d.idx%n]
		d.idx = (d.idx + 1) % n
		return addr, nil
	}
	return "", discovery.ErrUnsupportedMode
}

// GetAll Get all service addresses
func (d *Discovery) GetAll() ([]string, error) {
	if d.stale() {
		if err := d.Refresh(); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	servers := make([]string, len(d.servers))
	copy(servers, d.servers)
	return servers, nil
}

// Close Turns off service discovery
func (d *Discovery) Close() error {
	d.cancel()
	return d.client.Close()
}

// endpointKey is the key a server registers under.
func endpointKey(serviceName, addr string) string {
	return serviceName + "/" + addr
}
