// Package transport opens and secures the byte streams HTTP connections run
// on.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// Dialer opens client connections.
type Dialer struct {
	opt *transportOpt
}

func NewDialer(opts ...Option) *Dialer {
	return &Dialer{opt: newOpt(opts)}
}

// Dial connects to addr. The connect timeout applies on top of ctx.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if d.opt.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opt.connectTimeout)
		defer cancel()
	}

	nd := &net.Dialer{KeepAlive: d.opt.keepAlive}
	if d.opt.keepAlive == 0 {
		nd.KeepAlive = -1
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Secure runs the client side of a TLS handshake offering nextProtos.
func (d *Dialer) Secure(ctx context.Context, conn net.Conn, s TLSStrategy, serverName string, nextProtos []string) (*tls.Conn, error) {
	return upgrade(ctx, conn, s, serverName, nextProtos, d.opt.handshakeTimeout)
}

// Listen opens a TCP listener.
func Listen(ctx context.Context, addr string, opts ...Option) (net.Listener, error) {
	o := newOpt(opts)
	lc := net.ListenConfig{KeepAlive: o.keepAlive}
	return lc.Listen(ctx, "tcp", addr)
}

// HandshakeServer runs the server side of a TLS handshake.
func HandshakeServer(ctx context.Context, conn net.Conn, s TLSStrategy, nextProtos []string, opts ...Option) (*tls.Conn, error) {
	return upgrade(ctx, conn, s, "", nextProtos, newOpt(opts).handshakeTimeout)
}

func upgrade(ctx context.Context, conn net.Conn, s TLSStrategy, serverName string, nextProtos []string, timeout time.Duration) (*tls.Conn, error) {
	if s == nil {
		return nil, errors.New("transport: no TLS strategy")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tc, err := s.Upgrade(ctx, conn, serverName, nextProtos)
	if err != nil {
		return nil, fmt.Errorf("transport: TLS handshake with %s: %w", conn.RemoteAddr(), err)
	}
	return tc, nil
}
