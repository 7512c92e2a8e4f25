package message

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Version is an HTTP protocol version.
type Version struct {
	Major int
	Minor int
}

var (
	HTTP10 = Version{1, 0}
	HTTP11 = Version{1, 1}
	HTTP20 = Version{2, 0}
)

func (v Version) String() string {
	if v.Major == 2 {
		return "HTTP/2"
	}
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	return v.Major < o.Major || (v.Major == o.Major && v.Minor < o.Minor)
}

// Request is the head of an outgoing or incoming request.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	// Path is the request target in origin form, including the query.
	Path    string
	Header  Header
	Version Version
}

// NewRequest parses an absolute URL into a request head.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("message: parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("message: %q is not an absolute url", rawURL)
	}
	return &Request{
		Method:    strings.ToUpper(method),
		Scheme:    strings.ToLower(u.Scheme),
		Authority: u.Host,
		Path:      u.RequestURI(),
		Version:   HTTP11,
	}, nil
}

// RequestURI returns the origin-form target, never empty.
func (r *Request) RequestURI() string {
	if r.Path == "" {
		return "/"
	}
	return r.Path
}

// Target returns the route the request is addressed to.
func (r *Request) Target() (Target, error) {
	return ParseAuthority(r.Scheme, r.Authority)
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

func (r *Request) String() string {
	return r.Method + " " + r.Scheme + "://" + r.Authority + r.RequestURI()
}

// Target identifies a remote peer: the pool key of client connections.
type Target struct {
	Scheme string
	Host   string
	Port   int
}

var ErrInvalidTarget = errors.New("message: invalid target")

// ParseTarget parses "scheme://host[:port]".
func ParseTarget(s string) (Target, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return ParseAuthority(u.Scheme, u.Host)
}

// ParseAuthority builds a Target from a scheme and a "host[:port]" authority.
func ParseAuthority(scheme, authority string) (Target, error) {
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, scheme)
	}
	if authority == "" {
		return Target{}, fmt.Errorf("%w: empty authority", ErrInvalidTarget)
	}

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		// no port
		return Target{Scheme: scheme, Host: strings.Trim(authority, "[]"), Port: DefaultPort(scheme)}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Target{}, fmt.Errorf("%w: bad port %q", ErrInvalidTarget, portStr)
	}
	return Target{Scheme: scheme, Host: host, Port: port}, nil
}

// DefaultPort returns 443 for https and 80 otherwise.
func DefaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Secure reports whether the target requires TLS.
func (t Target) Secure() bool {
	return t.Scheme == "https"
}

// Address returns the dialable "host:port".
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Authority returns the value for the Host header or :authority pseudo header.
func (t Target) Authority() string {
	if t.Port == DefaultPort(t.Scheme) {
		return t.Host
	}
	return t.Address()
}

func (t Target) String() string {
	return t.Scheme + "://" + t.Address()
}
