// Package protocol holds the wire-level pieces shared by both sides of a
// connection: the HTTP/1.1 message codec, the HTTP/2 header mapping and the
// version negotiation policy.
package protocol

import (
	"bufio"
	"errors"
	"fmt"

	"golang.org/x/net/http2"

	"github.com/crazyfrankie/zhttp/message"
)

// VersionPolicy decides which protocol a connection speaks.
type VersionPolicy int

const (
	// Negotiate prefers HTTP/2 when the peer signals support for it and
	// falls back to HTTP/1.1 otherwise.
	Negotiate VersionPolicy = iota
	// ForceHTTP1 always speaks HTTP/1.1.
	ForceHTTP1
	// ForceHTTP2 always speaks HTTP/2 and fails when the peer cannot.
	ForceHTTP2
)

// ALPN protocol ids.
const (
	ALPNHTTP2  = "h2"
	ALPNHTTP11 = "http/1.1"
)

var ErrNegotiation = errors.New("protocol: negotiation failed")

func (p VersionPolicy) String() string {
	switch p {
	case Negotiate:
		return "negotiate"
	case ForceHTTP1:
		return "force-http1"
	case ForceHTTP2:
		return "force-http2"
	}
	return fmt.Sprintf("VersionPolicy(%d)", int(p))
}

// ParseVersionPolicy is the inverse of String.
func ParseVersionPolicy(s string) (VersionPolicy, error) {
	switch s {
	case "", "negotiate":
		return Negotiate, nil
	case "force-http1", "http1":
		return ForceHTTP1, nil
	case "force-http2", "http2":
		return ForceHTTP2, nil
	}
	return Negotiate, fmt.Errorf("protocol: unknown version policy %q", s)
}

// ALPN returns the protocol ids to offer during the TLS handshake.
func (p VersionPolicy) ALPN() []string {
	switch p {
	case ForceHTTP1:
		return []string{ALPNHTTP11}
	case ForceHTTP2:
		return []string{ALPNHTTP2}
	}
	return []string{ALPNHTTP2, ALPNHTTP11}
}

// Capability is what a peer's negotiation token says it can speak.
type Capability int

const (
	Legacy Capability = iota
	Multiplexed
	Unsupported
)

// Classify maps an ALPN token to a capability. No token means the peer
// did not take part in ALPN and is assumed to be HTTP/1.1 only.
func Classify(token string) Capability {
	switch token {
	case "", ALPNHTTP11:
		return Legacy
	case ALPNHTTP2:
		return Multiplexed
	}
	return Unsupported
}

// NegotiateSecure picks the version for a TLS connection given the token
// the handshake settled on.
func NegotiateSecure(policy VersionPolicy, token string) (message.Version, error) {
	c := Classify(token)
	switch {
	case c == Unsupported:
		return message.Version{}, fmt.Errorf("%w: unsupported protocol %q", ErrNegotiation, token)
	case policy == ForceHTTP2 && c != Multiplexed:
		return message.Version{}, fmt.Errorf("%w: peer does not support %s", ErrNegotiation, ALPNHTTP2)
	case policy == ForceHTTP1 && c == Multiplexed:
		return message.Version{}, fmt.Errorf("%w: peer selected %s which was not offered", ErrNegotiation, ALPNHTTP2)
	case c == Multiplexed:
		return message.HTTP20, nil
	}
	return message.HTTP11, nil
}

// NegotiatePlain picks the version for a client cleartext connection.
// HTTP/2 is only spoken with prior knowledge.
func NegotiatePlain(policy VersionPolicy) message.Version {
	if policy == ForceHTTP2 {
		return message.HTTP20
	}
	return message.HTTP11
}

// SniffPreface reports whether the next bytes on br are the HTTP/2 client
// connection preface. It consumes nothing and returns as soon as the
// buffered prefix diverges.
func SniffPreface(br *bufio.Reader) (bool, error) {
	preface := http2.ClientPreface
	n := 1
	for {
		b, err := br.Peek(n)
		if err != nil {
			return false, err
		}
		if string(b) != preface[:n] {
			return false, nil
		}
		if n == len(preface) {
			return true, nil
		}
		n = max(n+1, br.Buffered())
		n = min(n, len(preface))
	}
}

// NegotiateServerPlain picks the version for a server cleartext connection
// by looking for the HTTP/2 preface.
func NegotiateServerPlain(policy VersionPolicy, br *bufio.Reader) (message.Version, error) {
	if policy == ForceHTTP1 {
		return message.HTTP11, nil
	}
	isH2, err := SniffPreface(br)
	if err != nil {
		return message.Version{}, err
	}
	switch {
	case isH2:
		return message.HTTP20, nil
	case policy == ForceHTTP2:
		return message.Version{}, fmt.Errorf("%w: missing HTTP/2 connection preface", ErrNegotiation)
	}
	return message.HTTP11, nil
}
