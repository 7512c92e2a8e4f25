// Package stats reports the life of exchanges and connections to pluggable
// handlers such as metrics and tracing.
package stats

import (
	"context"
	"net"
	"time"

	"github.com/crazyfrankie/zhttp/message"
)

// Handler defines the interface for exchange stats collection.
type Handler interface {
	// TagExchange can attach some information to the given context.
	// The context used for the rest lifetime of the exchange will be derived
	// from the returned context.
	TagExchange(ctx context.Context, info *ExchangeTagInfo) context.Context
	// HandleExchange processes the exchange stats.
	HandleExchange(ctx context.Context, s ExchangeStats)
	// TagConn can attach some information to the given context.
	// The returned context will be used for stats handling.
	TagConn(ctx context.Context, info *ConnTagInfo) context.Context
	// HandleConn processes the Conn stats.
	HandleConn(ctx context.Context, s ConnStats)
}

// ExchangeStats contains stats information about exchanges.
type ExchangeStats interface {
	// IsClient returns true if this ExchangeStats is from client side.
	IsClient() bool
}

// ConnTagInfo defines the relevant information needed by connection context tagger.
type ConnTagInfo struct {
	// RemoteAddr is the remote address of the corresponding connection.
	RemoteAddr net.Addr
	// LocalAddr is the local address of the corresponding connection.
	LocalAddr net.Addr
	Protocol  message.Version
}

// ExchangeTagInfo defines the relevant information needed by exchange context tagger.
type ExchangeTagInfo struct {
	Method    string
	Authority string
	Path      string
	Protocol  message.Version
	// Header is the request header as received. Set on the server side.
	Header message.Header
}

// Begin contains stats when an exchange begins.
type Begin struct {
	// Client is true if this Begin is from client side.
	Client    bool
	BeginTime time.Time
	// Request is the request head, with its header for propagation.
	Request *message.Request
}

// IsClient indicates if this is from client side.
func (s *Begin) IsClient() bool { return s.Client }

// OutHeader contains stats when a head is written.
type OutHeader struct {
	// Client is true if this OutHeader is from client side.
	Client bool
	// Header is the header as it goes out. Handlers may add fields to it.
	Header *message.Header
	// Status is set for responses.
	Status     int
	RemoteAddr net.Addr
	LocalAddr  net.Addr
}

// IsClient indicates if this is from client side.
func (s *OutHeader) IsClient() bool { return s.Client }

// InHeader contains stats when a head is received.
type InHeader struct {
	// Client is true if this InHeader is from client side.
	Client bool
	Header message.Header
	// Status is set for responses.
	Status     int
	RemoteAddr net.Addr
	LocalAddr  net.Addr
}

// IsClient indicates if this is from client side.
func (s *InHeader) IsClient() bool { return s.Client }

// OutPayload contains the information for an outgoing body.
type OutPayload struct {
	// Client is true if this OutPayload is from client side.
	Client bool
	// Length is the number of body bytes written.
	Length   int64
	SentTime time.Time
}

// IsClient indicates if this is from client side.
func (s *OutPayload) IsClient() bool { return s.Client }

// InPayload contains the information for an incoming body.
type InPayload struct {
	// Client is true if this InPayload is from client side.
	Client bool
	// Length is the number of body bytes delivered to the consumer.
	Length   int64
	RecvTime time.Time
}

// IsClient indicates if this is from client side.
func (s *InPayload) IsClient() bool { return s.Client }

// End contains stats when an exchange ends.
type End struct {
	// Client is true if this End is from client side.
	Client    bool
	BeginTime time.Time
	EndTime   time.Time
	// Status is the response status, 0 when no response head was seen.
	Status int
	// Error is the error the exchange ended with, or nil when it completed.
	Error error
}

// IsClient indicates if this is from client side.
func (s *End) IsClient() bool { return s.Client }

// ConnStats contains stats information about connections.
type ConnStats interface {
	// IsClient returns true if this ConnStats is from client side.
	IsClient() bool
}

// ConnBegin contains the stats of a connection when it is established.
type ConnBegin struct {
	// Client is true if this ConnBegin is from client side.
	Client bool
}

// IsClient indicates if this is from client side.
func (s *ConnBegin) IsClient() bool { return s.Client }

// ConnEnd contains the stats of a connection when it ends.
type ConnEnd struct {
	// Client is true if this ConnEnd is from client side.
	Client bool
	Error  error
}

// IsClient indicates if this is from client side.
func (s *ConnEnd) IsClient() bool { return s.Client }

// Handlers fans every call out to a list of handlers.
type Handlers []Handler

func (hs Handlers) TagExchange(ctx context.Context, info *ExchangeTagInfo) context.Context {
	for _, h := range hs {
		ctx = h.TagExchange(ctx, info)
	}
	return ctx
}

func (hs Handlers) HandleExchange(ctx context.Context, s ExchangeStats) {
	for _, h := range hs {
		h.HandleExchange(ctx, s)
	}
}

func (hs Handlers) TagConn(ctx context.Context, info *ConnTagInfo) context.Context {
	for _, h := range hs {
		ctx = h.TagConn(ctx, info)
	}
	return ctx
}

func (hs Handlers) HandleConn(ctx context.Context, s ConnStats) {
	for _, h := range hs {
		h.HandleConn(ctx, s)
	}
}
