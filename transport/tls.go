package transport

import (
	"context"
	"crypto/tls"
	"net"
	"slices"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// TLSStrategy secures a connection. nextProtos are the ALPN ids to offer;
// the negotiated one is read from the returned connection state.
type TLSStrategy interface {
	Upgrade(ctx context.Context, conn net.Conn, serverName string, nextProtos []string) (*tls.Conn, error)
}

// ClientTLS is the client side strategy.
type ClientTLS struct {
	Config *tls.Config
}

func (s ClientTLS) Upgrade(ctx context.Context, conn net.Conn, serverName string, nextProtos []string) (*tls.Conn, error) {
	cfg := cloneConfig(s.Config)
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	cfg.NextProtos = nextProtos
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// ServerTLS is the server side strategy over a static configuration.
type ServerTLS struct {
	Config *tls.Config
}

func (s ServerTLS) Upgrade(ctx context.Context, conn net.Conn, _ string, nextProtos []string) (*tls.Conn, error) {
	cfg := cloneConfig(s.Config)
	cfg.NextProtos = nextProtos
	tc := tls.Server(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// AutocertStrategy obtains certificates from an ACME CA on demand.
type AutocertStrategy struct {
	Manager *autocert.Manager
}

// NewAutocertStrategy accepts the CA terms of service and allows only hosts.
func NewAutocertStrategy(cacheDir string, hosts ...string) AutocertStrategy {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(hosts...),
	}
	if cacheDir != "" {
		m.Cache = autocert.DirCache(cacheDir)
	}
	return AutocertStrategy{Manager: m}
}

// Config returns the server configuration offering nextProtos alongside the
// ACME TLS-ALPN challenge protocol.
func (s AutocertStrategy) Config(nextProtos []string) *tls.Config {
	cfg := s.Manager.TLSConfig()
	protos := slices.Clone(nextProtos)
	if !slices.Contains(protos, acme.ALPNProto) {
		protos = append(protos, acme.ALPNProto)
	}
	cfg.NextProtos = protos
	return cfg
}

func (s AutocertStrategy) Upgrade(ctx context.Context, conn net.Conn, _ string, nextProtos []string) (*tls.Conn, error) {
	tc := tls.Server(conn, s.Config(nextProtos))
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

func cloneConfig(c *tls.Config) *tls.Config {
	if c == nil {
		return &tls.Config{}
	}
	return c.Clone()
}
