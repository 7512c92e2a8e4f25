package zhttp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/future"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/peer"
	"github.com/crazyfrankie/zhttp/protocol"
	"github.com/crazyfrankie/zhttp/stats"
	"github.com/crazyfrankie/zhttp/transport"
)

// Requester is the client engine. It leases endpoints from a connection
// pool and runs exchanges on them.
//
// Connections are keyed by scheme, host and port. Each one speaks the
// version negotiated when it was opened, HTTP/1.1 with optional pipelining
// or multiplexed HTTP/2.
type Requester struct {
	lifecycle
	opt    *requesterOption
	dialer *transport.Dialer
	pool   *connPool
	sh     stats.Handler
}

func NewRequester(opts ...RequesterOption) *Requester {
	r := &Requester{
		lifecycle: newLifecycle("requester"),
		opt:       defaultRequesterOption(),
	}
	for _, o := range opts {
		o(r.opt)
	}
	if r.opt.maxPerRoute <= 0 {
		r.opt.maxPerRoute = defaultMaxPerRoute
	}
	if r.opt.maxTotal <= 0 {
		r.opt.maxTotal = defaultMaxTotal
	}
	if len(r.opt.statsHandlers) == 1 {
		r.sh = r.opt.statsHandlers[0]
	} else if len(r.opt.statsHandlers) > 1 {
		r.sh = stats.Handlers(r.opt.statsHandlers)
	}

	topts := []transport.Option{
		transport.WithConnectTimeout(r.opt.connectTimeout),
		transport.WithKeepAlive(r.opt.tcpKeepAlivePeriod),
	}
	if r.opt.handshakeTimeout > 0 {
		topts = append(topts, transport.WithHandshakeTimeout(r.opt.handshakeTimeout))
	}
	r.dialer = transport.NewDialer(topts...)
	r.pool = newConnPool(r.opt.maxPerRoute, r.opt.maxTotal, r.opt.idleTimeout, r.dial)
	r.pool.exception = r.record
	return r
}

// Start makes the engine accept work. Calling it again does nothing.
func (r *Requester) Start() {
	if r.start() {
		zap.L().Info("zhttp: requester started",
			zap.Int("max_per_route", r.opt.maxPerRoute),
			zap.Int("max_total", r.opt.maxTotal),
			zap.String("policy", r.opt.policy.String()))
	}
}

// Connect leases an endpoint for target, "scheme://host[:port]". An idle
// pooled connection is preferred; otherwise one is opened once the route
// and total ceilings allow it. Cancelling the future stops the wait.
func (r *Requester) Connect(ctx context.Context, target string, cb future.Callback[*ClientEndpoint]) *future.Future[*ClientEndpoint] {
	fut := future.New(cb)
	if !r.running() {
		fut.Fail(r.notRunning())
		return fut
	}
	t, err := message.ParseTarget(target)
	if err != nil {
		fut.Fail(err)
		return fut
	}

	cctx, cancel := context.WithCancelCause(ctx)
	fut.SetDependency(cancelDep(func() { cancel(future.ErrCancelled) }))
	go func() {
		defer cancel(nil)
		cc, err := r.pool.get(cctx, t.String(), t)
		if err != nil {
			if errors.Is(err, future.ErrCancelled) {
				fut.Cancel()
				return
			}
			fut.Fail(err)
			return
		}
		ep := &ClientEndpoint{cc: cc, r: r}
		if !fut.Complete(ep) {
			ep.ReleaseAndReuse()
		}
	}()
	return fut
}

func (r *Requester) notRunning() error {
	if r.Status() == StatusCreated {
		return ErrNotStarted
	}
	return &TransportError{Op: "connect", Cause: ErrEngineShutdown}
}

// dial opens, secures and negotiates a connection for cc.
func (r *Requester) dial(ctx context.Context, cc *clientConn, events connEvents) error {
	addr, err := r.resolve(cc.target)
	if err != nil {
		return &TransportError{Op: "resolve", Cause: err}
	}

	conn, err := r.dialer.Dial(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return contextError("connect", ctx)
		}
		return ioError("connect", err)
	}

	v := protocol.NegotiatePlain(r.opt.policy)
	if cc.target.Secure() {
		tc, err := r.dialer.Secure(ctx, conn, r.tlsStrategy(), cc.target.Host, r.opt.policy.ALPN())
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return contextError("handshake", ctx)
			}
			return ioError("handshake", err)
		}
		conn = tc
		v, err = protocol.NegotiateSecure(r.opt.policy, tc.ConnectionState().NegotiatedProtocol)
		if err != nil {
			conn.Close()
			return &NegotiationError{Policy: r.opt.policy, Cause: err}
		}
	}

	cc.peer = peer.New(conn, v)
	if r.sh != nil {
		cc.sh = r.sh
		cc.sctx = r.sh.TagConn(context.Background(), &stats.ConnTagInfo{
			RemoteAddr: conn.RemoteAddr(),
			LocalAddr:  conn.LocalAddr(),
			Protocol:   v,
		})
		r.sh.HandleConn(cc.sctx, &stats.ConnBegin{Client: true})
	}

	br := bufio.NewReaderSize(conn, ReaderBufferSize)
	if v == message.HTTP20 {
		h2, err := newHTTP2ClientConn(conn, br, events)
		if err != nil {
			conn.Close()
			return err
		}
		cc.driver = h2
		if err := h2.awaitSettings(ctx); err != nil {
			h2.close(ErrConnectionClosed)
			if ctx.Err() != nil {
				return contextError("connect", ctx)
			}
			if r.opt.policy == protocol.ForceHTTP2 && !cc.target.Secure() {
				return &NegotiationError{Policy: r.opt.policy, Cause: err}
			}
			return err
		}
	} else {
		cc.driver = newHTTP1ClientConn(conn, br, r.opt.pipelining, events)
	}

	zap.L().Debug("zhttp: connection established",
		zap.String("target", cc.target.String()),
		zap.String("addr", addr),
		zap.String("protocol", v.String()))
	return nil
}

func (r *Requester) resolve(t message.Target) (string, error) {
	if r.opt.discovery == nil {
		return t.Address(), nil
	}
	addr, err := r.opt.discovery.Get(r.opt.selectMode)
	if err != nil {
		return "", err
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(t.Port))
	}
	return addr, nil
}

func (r *Requester) tlsStrategy() transport.TLSStrategy {
	if r.opt.strategy != nil {
		return r.opt.strategy
	}
	return transport.ClientTLS{Config: r.opt.tls}
}

// Close shuts the engine down. A graceful close stops leasing, waits up to
// the grace period for leased endpoints and running exchanges, then closes
// what is left. Calling it again does nothing.
func (r *Requester) Close(mode CloseMode) {
	if !r.beginStop() {
		return
	}
	zap.L().Info("zhttp: requester closing", zap.Bool("graceful", mode == CloseGraceful))

	shutdown := &TransportError{Op: "close", Cause: ErrEngineShutdown}
	if mode == CloseGraceful {
		r.pool.drain()
		ctx, cancel := context.WithTimeout(context.Background(), r.opt.gracePeriod)
		if err := r.pool.awaitEmpty(ctx); err != nil {
			zap.L().Warn("zhttp: grace period expired", zap.Int("busy", r.pool.busy()))
		}
		cancel()
	}
	r.pool.closeNow(shutdown)
	r.finishStop()
}

// AwaitTermination blocks until Close finished or ctx is done.
func (r *Requester) AwaitTermination(ctx context.Context) error {
	select {
	case <-r.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do leases an endpoint for the request's target, runs the exchange and
// releases the endpoint. A repeatable request that failed in transport
// before any response arrived is retried on another connection.
func Do[T any](ctx context.Context, r *Requester, rp RequestProducer, consumer entity.EntityConsumer[T], cb future.Callback[message.Message[*message.Response, T]]) *future.Future[message.Message[*message.Response, T]] {
	fut := future.New(cb)
	// finish reports the final failure; attempts that ran have released
	// producer and consumer already.
	finish := func(err error, ran bool) {
		if body := rp.Body(); body != nil {
			body.Failed(err)
			if !ran {
				body.Release()
			}
		}
		rp.Failed(err)
		consumer.Failed(err)
		if !ran {
			rp.Release()
			consumer.Release()
		}
	}

	if !r.running() {
		err := r.notRunning()
		finish(err, false)
		fut.Fail(err)
		return fut
	}
	t, err := rp.Head().Target()
	if err != nil {
		finish(err, false)
		fut.Fail(err)
		return fut
	}

	dctx, cancel := context.WithCancelCause(ctx)
	fut.SetDependency(cancelDep(func() { cancel(future.ErrCancelled) }))
	go func() {
		defer cancel(nil)
		res, ran, err := doRetry(dctx, r, t, rp, consumer)
		switch {
		case err == nil:
			fut.Complete(res)
		case errors.Is(err, future.ErrCancelled), errors.Is(err, context.Canceled):
			finish(future.ErrCancelled, ran)
			fut.Cancel()
		default:
			finish(err, ran)
			fut.Fail(err)
		}
	}()
	return fut
}

func doRetry[T any](ctx context.Context, r *Requester, t message.Target, rp RequestProducer, consumer entity.EntityConsumer[T]) (message.Message[*message.Response, T], bool, error) {
	var (
		zero    message.Message[*message.Response, T]
		lastErr error
		ran     bool
	)
	for retry := 0; retry <= r.opt.maxRetries; retry++ {
		if retry > 0 {
			if err := r.backoff(ctx, retry); err != nil {
				return zero, ran, err
			}
			zap.L().Debug("zhttp: retrying exchange",
				zap.String("request", rp.Head().String()),
				zap.Int("retry", retry),
				zap.Error(lastErr))
		}

		// Both futures are bound to ctx, so waiting for them cannot outlive it.
		ep, err := r.Connect(ctx, t.String(), nil).Get(context.Background())
		if err != nil {
			if !isRetryable(err) || ctx.Err() != nil {
				return zero, ran, err
			}
			lastErr = err
			continue
		}

		ac := &attemptConsumer[T]{EntityConsumer: consumer}
		ran = true
		res, err := Execute[T](ctx, ep, attemptProducer{rp}, ac, nil).Get(context.Background())
		ep.ReleaseAndReuse()
		if err == nil {
			return res, ran, nil
		}
		if !isRetryable(err) || ac.started || !rp.IsRepeatable() {
			return zero, ran, err
		}
		lastErr = err
	}
	return zero, ran, lastErr
}

// backoff waits before a retry. The first retry goes out at once.
func (r *Requester) backoff(ctx context.Context, retry int) error {
	if retry <= 1 || r.opt.retryBackoff <= 0 {
		return context.Cause(ctx)
	}
	backoff := r.opt.retryBackoff * time.Duration(1<<uint(retry-1))
	if backoff > r.opt.maxRetryBackoff {
		backoff = r.opt.maxRetryBackoff
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return contextError("retry", ctx)
	case <-timer.C:
		return nil
	}
}

// cancelDep lets a future cancel a context.
type cancelDep func()

func (c cancelDep) Cancel() bool {
	c()
	return true
}
