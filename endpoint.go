package zhttp

import (
	"context"
	"sync/atomic"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/future"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/peer"
)

// ClientEndpoint is a connection leased from a Requester. Exchanges run on
// it until it is released.
type ClientEndpoint struct {
	cc       *clientConn
	r        *Requester
	released atomic.Bool
}

// ReleaseAndReuse returns the connection to the pool. Exchanges still
// running finish first. Calling it again does nothing.
func (ep *ClientEndpoint) ReleaseAndReuse() {
	if ep.released.CompareAndSwap(false, true) {
		ep.r.pool.put(ep.cc, true)
	}
}

// ReleaseAndDiscard closes the connection, failing whatever still runs on it.
func (ep *ClientEndpoint) ReleaseAndDiscard() {
	if ep.released.CompareAndSwap(false, true) {
		ep.r.pool.put(ep.cc, false)
	}
}

// IsConnected reports whether the endpoint is leased and its connection open.
func (ep *ClientEndpoint) IsConnected() bool {
	return !ep.released.Load() && ep.cc.driver.isOpen()
}

// Protocol returns the negotiated version.
func (ep *ClientEndpoint) Protocol() message.Version {
	return ep.cc.driver.protocol()
}

// MaxConcurrent is 1 for HTTP/1.1 and the peer's stream limit for HTTP/2.
func (ep *ClientEndpoint) MaxConcurrent() int {
	return ep.cc.driver.maxConcurrent()
}

func (ep *ClientEndpoint) Target() message.Target {
	return ep.cc.target
}

func (ep *ClientEndpoint) Peer() *peer.Peer {
	return ep.cc.peer
}

func (ep *ClientEndpoint) String() string {
	return ep.cc.target.String() + " " + ep.Protocol().String()
}

// Execute runs one exchange on ep. The request is streamed from rp and the
// response into consumer; the future resolves with the response head and
// the consumer's content. Cancelling the future cancels the exchange.
func Execute[T any](ctx context.Context, ep *ClientEndpoint, rp RequestProducer, consumer entity.EntityConsumer[T], cb future.Callback[message.Message[*message.Response, T]]) *future.Future[message.Message[*message.Response, T]] {
	fut := future.New(cb)
	fail := func(err error) *future.Future[message.Message[*message.Response, T]] {
		if body := rp.Body(); body != nil {
			body.Failed(err)
			body.Release()
		}
		rp.Failed(err)
		rp.Release()
		consumer.Failed(err)
		consumer.Release()
		fut.Fail(err)
		return fut
	}

	switch {
	case ep.released.Load():
		return fail(&TransportError{Op: "execute", Cause: ErrEndpointReleased})
	case ep.r.Status() == StatusStopped:
		return fail(&TransportError{Op: "execute", Cause: ErrEngineShutdown})
	}

	req := rp.Head()
	if err := prepareRequest(req, ep); err != nil {
		return fail(err)
	}

	driver := ep.cc.driver
	h := &responseHandler[T]{EntityConsumer: consumer, fut: fut}
	ex := newExchange(ctx, req, rp.Body(), h, ep.r.sh, func(ex *exchange, st exchangeState, err error) {
		driver.exchangeDone(ex, st, err)
		if st != stateCompleted {
			rp.Failed(err)
		}
		rp.Release()
	})
	fut.SetDependency(ex)
	if err := driver.submit(ex); err != nil {
		ex.fail(err)
	}
	return fut
}

// prepareRequest fills in what the endpoint decides and rejects heads that
// cannot be sent.
func prepareRequest(req *message.Request, ep *ClientEndpoint) error {
	if req == nil {
		return protocolErrorf("nil request")
	}
	if err := req.Header.Validate(); err != nil {
		return &ProtocolError{Cause: err}
	}
	t := ep.cc.target
	if req.Scheme == "" {
		req.Scheme = t.Scheme
	}
	if req.Authority == "" {
		req.Authority = t.Authority()
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	req.Version = ep.Protocol()
	return nil
}
