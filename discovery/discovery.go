package discovery

import "errors"

// SelectMode picks one address out of the discovered set.
type SelectMode int

const (
	RandomSelect     SelectMode = iota // select randomly
	RoundRobinSelect                   // select using Robbin algorithm
)

func (m SelectMode) String() string {
	switch m {
	case RandomSelect:
		return "random"
	case RoundRobinSelect:
		return "round_robin"
	}
	return "unknown"
}

// ParseSelectMode maps a config value to a SelectMode.
func ParseSelectMode(s string) (SelectMode, error) {
	switch s {
	case "", "random":
		return RandomSelect, nil
	case "round_robin", "roundrobin":
		return RoundRobinSelect, nil
	}
	return 0, ErrUnsupportedMode
}

var (
	ErrNoServers       = errors.New("discovery: no available servers")
	ErrUnsupportedMode = errors.New("discovery: unsupported select mode")
)

// Discovery resolves the dial address of the servers behind a target.
// Addresses are host:port or bare hosts, in which case the target's port
// is used.
type Discovery interface {
	Get(mode SelectMode) (string, error)
	Update(servers []string) error
	GetAll() ([]string, error)
	Refresh() error // refresh from remote registry
}
