package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crazyfrankie/zhttp/internal/testcert"
)

func TestDialAndListen(t *testing.T) {
	ctx := context.Background()
	ln, err := Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	d := NewDialer(WithConnectTimeout(time.Second), WithKeepAlive(time.Minute))
	conn, err := d.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDialer().Dial(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}

func TestTLSNegotiatesALPN(t *testing.T) {
	pair, err := testcert.New()
	require.NoError(t, err)

	cases := []struct {
		name   string
		client []string
		server []string
		want   string
	}{
		{"h2", []string{"h2", "http/1.1"}, []string{"h2", "http/1.1"}, "h2"},
		{"h1 only server", []string{"h2", "http/1.1"}, []string{"http/1.1"}, "http/1.1"},
		{"no alpn", nil, nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cc, sc := net.Pipe()
			defer cc.Close()
			defer sc.Close()

			errc := make(chan error, 1)
			go func() {
				_, err := HandshakeServer(context.Background(), sc, ServerTLS{Config: pair.ServerConfig()}, tc.server)
				errc <- err
			}()

			conn, err := NewDialer().Secure(context.Background(), cc, ClientTLS{Config: pair.ClientConfig()}, "localhost", tc.client)
			require.NoError(t, err)
			require.NoError(t, <-errc)
			assert.Equal(t, tc.want, conn.ConnectionState().NegotiatedProtocol)
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	pair, err := testcert.New()
	require.NoError(t, err)
	cc, sc := net.Pipe()
	defer cc.Close()
	defer sc.Close()

	// nobody answers on the server side
	_, err = NewDialer(WithHandshakeTimeout(50*time.Millisecond)).
		Secure(context.Background(), cc, ClientTLS{Config: pair.ClientConfig()}, "localhost", []string{"h2"})
	assert.Error(t, err)
}

func TestAutocertConfigOffersChallengeProto(t *testing.T) {
	s := NewAutocertStrategy("", "example.com")
	cfg := s.Config([]string{"h2", "http/1.1"})
	assert.Equal(t, []string{"h2", "http/1.1", "acme-tls/1"}, cfg.NextProtos)
}
