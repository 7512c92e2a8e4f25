package zhttp

import (
	"crypto/tls"
	"time"

	"github.com/crazyfrankie/zhttp/discovery"
	"github.com/crazyfrankie/zhttp/protocol"
	"github.com/crazyfrankie/zhttp/stats"
	"github.com/crazyfrankie/zhttp/transport"
)

const (
	defaultConnectTimeout  = 20 * time.Second
	defaultMaxPerRoute     = 20
	defaultMaxTotal        = 50
	defaultIdleTimeout     = 90 * time.Second
	defaultGracePeriod     = 30 * time.Second
	defaultMaxRetries      = 2
	defaultRetryBackoff    = 100 * time.Millisecond
	defaultMaxRetryBackoff = 1 * time.Second
)

type requesterOption struct {
	tls      *tls.Config
	strategy transport.TLSStrategy
	policy   protocol.VersionPolicy
	// connectTimeout sets timeout for dialing
	connectTimeout time.Duration
	// tcpKeepAlivePeriod if it is zero we don't set keepalive
	tcpKeepAlivePeriod time.Duration
	handshakeTimeout   time.Duration
	// idleTimeout sets max idle time for pooled connections
	idleTimeout time.Duration
	gracePeriod time.Duration
	maxPerRoute int
	maxTotal    int
	pipelining  bool
	maxRetries  int
	// retryBackoff is the base of the exponential backoff between retries
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
	statsHandlers   []stats.Handler
	discovery       discovery.Discovery
	selectMode      discovery.SelectMode
}

func defaultRequesterOption() *requesterOption {
	return &requesterOption{
		policy:          protocol.Negotiate,
		connectTimeout:  defaultConnectTimeout,
		idleTimeout:     defaultIdleTimeout,
		gracePeriod:     defaultGracePeriod,
		maxPerRoute:     defaultMaxPerRoute,
		maxTotal:        defaultMaxTotal,
		pipelining:      true,
		maxRetries:      defaultMaxRetries,
		retryBackoff:    defaultRetryBackoff,
		maxRetryBackoff: defaultMaxRetryBackoff,
	}
}

type RequesterOption func(*requesterOption)

// DialWithTLSConfig sets the client TLS configuration used for https targets.
func DialWithTLSConfig(cfg *tls.Config) RequesterOption {
	return func(opt *requesterOption) {
		opt.tls = cfg
	}
}

// DialWithTLSStrategy replaces the TLS handshake used for https targets.
func DialWithTLSStrategy(s transport.TLSStrategy) RequesterOption {
	return func(opt *requesterOption) {
		opt.strategy = s
	}
}

// DialWithVersionPolicy sets how the protocol version of new connections is chosen.
func DialWithVersionPolicy(p protocol.VersionPolicy) RequesterOption {
	return func(opt *requesterOption) {
		opt.policy = p
	}
}

// DialWithConnectTimeout sets the timeout for establishing a TCP connection.
func DialWithConnectTimeout(period time.Duration) RequesterOption {
	return func(opt *requesterOption) {
		opt.connectTimeout = period
	}
}

// DialWithTCPKeepAlive sets the TCP keep-alive time.
func DialWithTCPKeepAlive(period time.Duration) RequesterOption {
	return func(opt *requesterOption) {
		opt.tcpKeepAlivePeriod = period
	}
}

// DialWithHandshakeTimeout bounds the TLS handshake.
func DialWithHandshakeTimeout(d time.Duration) RequesterOption {
	return func(opt *requesterOption) {
		opt.handshakeTimeout = d
	}
}

// DialWithIdleTimeout sets how long a pooled connection may stay idle. Zero
// keeps idle connections until the engine closes.
func DialWithIdleTimeout(idle time.Duration) RequesterOption {
	return func(opt *requesterOption) {
		opt.idleTimeout = idle
	}
}

// WithCloseTimeout bounds how long a graceful Close waits for leases and
// exchanges.
func WithCloseTimeout(d time.Duration) RequesterOption {
	return func(opt *requesterOption) {
		opt.gracePeriod = d
	}
}

// WithMaxPerRoute sets the maximum number of connections to one target.
func WithMaxPerRoute(n int) RequesterOption {
	return func(opt *requesterOption) {
		opt.maxPerRoute = n
	}
}

// WithMaxTotal sets the maximum number of connections of the engine.
func WithMaxTotal(n int) RequesterOption {
	return func(opt *requesterOption) {
		opt.maxTotal = n
	}
}

// WithPipelining controls whether HTTP/1.1 requests are written before the
// previous response head arrived.
func WithPipelining(on bool) RequesterOption {
	return func(opt *requesterOption) {
		opt.pipelining = on
	}
}

// WithMaxRetries Sets the maximum number of retries of Do.
func WithMaxRetries(retries int) RequesterOption {
	return func(opt *requesterOption) {
		opt.maxRetries = retries
	}
}

// WithRetryBackoff sets the retry backoff time
func WithRetryBackoff(backoff time.Duration) RequesterOption {
	return func(opt *requesterOption) {
		opt.retryBackoff = backoff
	}
}

// WithMaxRetryBackoff sets the maximum retry backoff time
func WithMaxRetryBackoff(maxBackoff time.Duration) RequesterOption {
	return func(opt *requesterOption) {
		opt.maxRetryBackoff = maxBackoff
	}
}

// DialWithStatsHandler adds a stats handler for exchanges and connections.
func DialWithStatsHandler(h stats.Handler) RequesterOption {
	return func(opt *requesterOption) {
		opt.statsHandlers = append(opt.statsHandlers, h)
	}
}

// WithDiscovery resolves target hosts through d instead of DNS.
func WithDiscovery(d discovery.Discovery, mode discovery.SelectMode) RequesterOption {
	return func(opt *requesterOption) {
		opt.discovery = d
		opt.selectMode = mode
	}
}
