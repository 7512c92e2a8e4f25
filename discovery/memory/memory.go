package memory

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/crazyfrankie/zhttp/discovery"
)

// MultiServerDiscovery is a fixed list of servers kept in memory.
type MultiServerDiscovery struct {
	r       *rand.Rand
	mu      sync.Mutex
	servers []string
	idx     int
}

func NewMultiServerDiscovery(servers []string) *MultiServerDiscovery {
	d := &MultiServerDiscovery{
		r:       rand.New(rand.NewSource(time.Now().UnixNano())),
		servers: append([]string(nil), servers...),
	}
	d.idx = d.r.Intn(math.MaxInt32 - 1)

	return d
}

var _ discovery.Discovery = (*MultiServerDiscovery)(nil)

func (m *MultiServerDiscovery) Get(mode discovery.SelectMode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.servers)
	if n == 0 {
		return "", discovery.ErrNoServers
	}

	switch mode {
	case discovery.RandomSelect:
		return m.servers[m.r.Intn(n)], nil
	case discovery.RoundRobinSelect:
		s := m.servers[m.idx%n] // servers could be updated, so mode n to ensure safety
		m.idx = (m.idx + 1) % n
		return s, nil
	default:
		return "", discovery.ErrUnsupportedMode
	}
}

func (m *MultiServerDiscovery) Update(servers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append([]string(nil), servers...)
	return nil
}

func (m *MultiServerDiscovery) GetAll() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// return a copy of d.servers
	servers := make([]string, len(m.servers))
	copy(servers, m.servers)
	return servers, nil
}

func (m *MultiServerDiscovery) Refresh() error {
	return nil
}
