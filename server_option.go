package zhttp

import (
	"crypto/tls"
	"time"

	"github.com/crazyfrankie/zhttp/protocol"
	"github.com/crazyfrankie/zhttp/stats"
	"github.com/crazyfrankie/zhttp/transport"
)

const (
	defaultTaskQueueSize     = 10000
	defaultWorkerPoolSize    = 20
	defaultMinWorkerPoolSize = 5
	defaultMaxWorkerPoolSize = 100
)

type serverOption struct {
	middlewares []Middleware
	tlsConfig   *tls.Config
	strategy    transport.TLSStrategy
	policy      protocol.VersionPolicy
	// readTimeout bounds the wait for the next request head on an idle
	// connection
	readTimeout      time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	keepAlive        time.Duration
	gracePeriod      time.Duration
	maxStreams       uint32
	// AuthFunc can be used to auth.
	AuthFunc      AuthFunc
	statsHandlers []stats.Handler

	enableWorkerPool  bool
	workerPoolSize    int
	minWorkerPoolSize int
	maxWorkerPoolSize int
	taskQueueSize     int
	adjustInterval    time.Duration // Interval for worker pool size adjustment
}

func defaultServerOption() *serverOption {
	return &serverOption{
		policy:            protocol.Negotiate,
		readTimeout:       time.Second * 120,
		writeTimeout:      time.Second * 120,
		handshakeTimeout:  time.Second * 10,
		gracePeriod:       defaultGracePeriod,
		maxStreams:        h2DefaultServerLimit,
		workerPoolSize:    defaultWorkerPoolSize,
		minWorkerPoolSize: defaultMinWorkerPoolSize,
		maxWorkerPoolSize: defaultMaxWorkerPoolSize,
		taskQueueSize:     defaultTaskQueueSize,
		adjustInterval:    time.Second * 5, // Default to 5 seconds for worker pool adjustment
	}
}

type ServerOption func(*serverOption)

// WithMiddleware adds a handler factory decorator. It is applied to every
// route, including the 404 fallback.
func WithMiddleware(mw Middleware) ServerOption {
	return func(opt *serverOption) {
		opt.middlewares = append(opt.middlewares, mw)
	}
}

// WithChainMiddleware works like WithMiddleware
// in that it takes multiple middleware and adds them at once.
func WithChainMiddleware(mws []Middleware) ServerOption {
	return func(opt *serverOption) {
		opt.middlewares = append(opt.middlewares, mws...)
	}
}

// WithAuthFunc sets the function authorizing requests before dispatch.
func WithAuthFunc(fn AuthFunc) ServerOption {
	return func(opt *serverOption) {
		opt.AuthFunc = fn
	}
}

// WithReadTimeout sets how long an idle connection waits for a request.
func WithReadTimeout(duration time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.readTimeout = duration
	}
}

// WithWriteTimeout sets the timeout for writing responses
func WithWriteTimeout(duration time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.writeTimeout = duration
	}
}

// WithTLSConfig makes every listener accept TLS connections only.
func WithTLSConfig(tls *tls.Config) ServerOption {
	return func(opt *serverOption) {
		opt.tlsConfig = tls
	}
}

// WithTLSStrategy replaces the server TLS handshake, for example with
// transport.AutocertStrategy.
func WithTLSStrategy(s transport.TLSStrategy) ServerOption {
	return func(opt *serverOption) {
		opt.strategy = s
	}
}

// WithVersionPolicy sets which protocols inbound connections may speak.
func WithVersionPolicy(p protocol.VersionPolicy) ServerOption {
	return func(opt *serverOption) {
		opt.policy = p
	}
}

// WithHandshakeTimeout bounds the TLS handshake of accepted connections.
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.handshakeTimeout = d
	}
}

// WithTCPKeepAlive sets the keep-alive period of accepted connections.
func WithTCPKeepAlive(d time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.keepAlive = d
	}
}

// WithGracePeriod bounds how long a graceful Close waits for exchanges.
func WithGracePeriod(d time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.gracePeriod = d
	}
}

// WithMaxConcurrentStreams sets the HTTP/2 stream limit advertised to clients.
func WithMaxConcurrentStreams(n uint32) ServerOption {
	return func(opt *serverOption) {
		if n > 0 {
			opt.maxStreams = n
		}
	}
}

// WithStatsHandler adds a stats handler for exchanges and connections.
func WithStatsHandler(h stats.Handler) ServerOption {
	return func(opt *serverOption) {
		opt.statsHandlers = append(opt.statsHandlers, h)
	}
}

// WithWorkerPool runs HTTP/2 stream handlers on a worker pool of about size
// goroutines. The pool floats between a quarter and twice that size with
// load. HTTP/1.1 connections are unaffected: requests on one connection are
// handled in order on its reader goroutine, so they already use one
// goroutine per connection.
func WithWorkerPool(size int) ServerOption {
	return func(opt *serverOption) {
		opt.enableWorkerPool = true
		if size > 0 {
			opt.workerPoolSize = size
			opt.minWorkerPoolSize = max(size/4, 1)
			opt.maxWorkerPoolSize = size * 2
		}
	}
}

// WithTaskQueueSize sets the size of the task pool.
func WithTaskQueueSize(size int) ServerOption {
	return func(opt *serverOption) {
		if size > 0 {
			opt.taskQueueSize = size
		}
	}
}

// WithWorkerPoolAdjustInterval sets the interval for adjusting worker pool size.
func WithWorkerPoolAdjustInterval(interval time.Duration) ServerOption {
	return func(opt *serverOption) {
		if interval > 0 {
			opt.adjustInterval = interval
		}
	}
}
