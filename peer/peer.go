package peer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/crazyfrankie/zhttp/message"
)

// Peer contains the information of the other side of a connection, such as
// the address, the negotiated protocol and the TLS state.
type Peer struct {
	// Addr is the peer address.
	Addr net.Addr
	// LocalAddr is the local address.
	LocalAddr net.Addr
	// Protocol is the HTTP version negotiated for the connection.
	Protocol message.Version
	// TLS is nil if there is no transport security being used.
	TLS *tls.ConnectionState
}

// New describes conn. A *tls.Conn contributes its connection state.
func New(conn net.Conn, v message.Version) *Peer {
	p := &Peer{Addr: conn.RemoteAddr(), LocalAddr: conn.LocalAddr(), Protocol: v}
	if tc, ok := conn.(*tls.Conn); ok {
		st := tc.ConnectionState()
		p.TLS = &st
	}
	return p
}

// Secure reports whether the connection runs over TLS.
func (p *Peer) Secure() bool {
	return p != nil && p.TLS != nil
}

// String ensures the Peer types implements the Stringer interface in order to
// allow to print a context with a peerKey value effectively.
func (p *Peer) String() string {
	if p == nil {
		return "Peer<nil>"
	}
	sb := &strings.Builder{}
	sb.WriteString("Peer{")
	if p.Addr != nil {
		fmt.Fprintf(sb, "Addr: '%s', ", p.Addr.String())
	} else {
		fmt.Fprintf(sb, "Addr: <nil>, ")
	}
	if p.LocalAddr != nil {
		fmt.Fprintf(sb, "LocalAddr: '%s', ", p.LocalAddr.String())
	} else {
		fmt.Fprintf(sb, "LocalAddr: <nil>, ")
	}
	fmt.Fprintf(sb, "Protocol: %s, ", p.Protocol)
	if p.TLS != nil {
		fmt.Fprintf(sb, "TLS: '%s'", tls.VersionName(p.TLS.Version))
	} else {
		fmt.Fprintf(sb, "TLS: <nil>")
	}
	sb.WriteString("}")

	return sb.String()
}

type peerKey struct{}

// NewContext creates a new context with peer information attached.
func NewContext(ctx context.Context, p *Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// FromContext returns the peer information in ctx if it exists.
func FromContext(ctx context.Context) (p *Peer, ok bool) {
	p, ok = ctx.Value(peerKey{}).(*Peer)
	return
}

type connKey struct{}

// SetConnection adds the connection to the context so handlers can inspect
// the underlying transport.
func SetConnection(ctx context.Context, conn net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

// GetConnection gets the connection from the context, or nil.
func GetConnection(ctx context.Context) net.Conn {
	c, _ := ctx.Value(connKey{}).(net.Conn)
	return c
}
