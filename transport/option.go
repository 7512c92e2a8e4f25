package transport

import "time"

const (
	defaultConnectTimeout   = 20 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

type transportOpt struct {
	// connectTimeout sets timeout for dialing
	connectTimeout time.Duration
	// keepAlive if it is zero we don't set keepalive
	keepAlive        time.Duration
	handshakeTimeout time.Duration
}

type Option func(*transportOpt)

// WithConnectTimeout bounds how long a dial may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *transportOpt) {
		o.connectTimeout = d
	}
}

// WithKeepAlive sets the TCP keep-alive period.
func WithKeepAlive(d time.Duration) Option {
	return func(o *transportOpt) {
		o.keepAlive = d
	}
}

// WithHandshakeTimeout bounds the TLS handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *transportOpt) {
		o.handshakeTimeout = d
	}
}

func newOpt(opts []Option) *transportOpt {
	o := &transportOpt{
		connectTimeout:   defaultConnectTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}
