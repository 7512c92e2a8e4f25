package zhttp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/stats"
)

var errResponseSent = errors.New("zhttp: response already sent")

// serverExchange is one inbound request/response pair. It is the
// ResponseChannel given to the handler and the Consumer the connection
// delivers the request body into.
type serverExchange struct {
	srv     *Server
	req     *message.Request
	details entity.Details
	handler ServerExchangeHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
	state  atomic.Int32

	// cmu serializes handler callbacks with its release.
	cmu      sync.Mutex
	released bool
	// discard is set once the handler failed and a 500 went out instead.
	discard bool
	capCh   entity.CapacityChannel

	respMu sync.Mutex
	resp   *message.Response
	body   entity.Producer
	sent   chan struct{}
	pmu    sync.Mutex

	reqDone  atomic.Bool
	respDone atomic.Bool

	// done lets the connection account for the exchange.
	done func(ex *serverExchange, st exchangeState, err error)

	sh       stats.Handler
	sctx     context.Context
	begin    time.Time
	inBytes  atomic.Int64
	outBytes atomic.Int64
}

func newServerExchange(ctx context.Context, srv *Server, req *message.Request, d entity.Details, done func(*serverExchange, exchangeState, error)) *serverExchange {
	ex := &serverExchange{
		srv:     srv,
		req:     req,
		details: d,
		sent:    make(chan struct{}),
		done:    done,
		sh:      srv.sh,
		begin:   time.Now(),
	}
	ex.state.Store(int32(stateActive))
	ex.ctx, ex.cancel = context.WithCancelCause(ctx)
	if ex.sh != nil {
		ex.sctx = ex.sh.TagExchange(ex.ctx, &stats.ExchangeTagInfo{
			Method:    req.Method,
			Authority: req.Authority,
			Path:      req.RequestURI(),
			Protocol:  req.Version,
			Header:    req.Header,
		})
		ex.sh.HandleExchange(ex.sctx, &stats.Begin{BeginTime: ex.begin, Request: req})
		ex.sh.HandleExchange(ex.sctx, &stats.InHeader{Header: req.Header})
		ex.ctx = ex.sctx
	}
	if d == nil {
		ex.reqDone.Store(true)
	}
	return ex
}

func (ex *serverExchange) isDone() bool {
	return exchangeState(ex.state.Load()).terminal()
}

// start resolves the handler and calls HandleRequest.
func (ex *serverExchange) start() {
	err := ex.guard(func() error {
		ex.handler = ex.srv.resolve(ex.ctx, ex.req)
		return ex.handler.HandleRequest(ex.ctx, ex.req, ex.details, ex)
	})
	if err != nil {
		ex.handlerFailed(err)
	}
}

// guard runs a handler callback unless the handler was released, turning
// panics into errors.
func (ex *serverExchange) guard(fn func() error) (err error) {
	ex.cmu.Lock()
	defer ex.cmu.Unlock()
	if ex.released {
		return context.Cause(ex.ctx)
	}
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			zap.L().Error("zhttp: handler panic",
				zap.String("request", ex.req.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", buf))
			err = fmt.Errorf("zhttp: handler panic: %v", r)
		}
	}()
	return fn()
}

// handlerFailed answers with 500 when the response has not started;
// otherwise the exchange is aborted. Either way the error goes to the
// exception log.
func (ex *serverExchange) handlerFailed(err error) {
	ex.srv.record(fmt.Errorf("%s: %w", ex.req, err))
	ex.cmu.Lock()
	ex.discard = true
	capCh := ex.capCh
	ex.cmu.Unlock()
	if capCh != nil {
		capCh.Update(entity.UnboundedCapacity)
	}
	resp := message.NewResponse(500)
	if ex.SendResponse(resp, entity.NewStringProducer(resp.Reason)) != nil {
		ex.fail(err)
		return
	}
	ex.maybeComplete()
}

// SendResponse implements ResponseChannel.
func (ex *serverExchange) SendResponse(resp *message.Response, body entity.Producer) error {
	if resp == nil {
		return errors.New("zhttp: nil response")
	}
	ex.respMu.Lock()
	defer ex.respMu.Unlock()
	if ex.resp != nil {
		return errResponseSent
	}
	if ex.isDone() {
		return context.Cause(ex.ctx)
	}
	if !message.BodyAllowed(resp.Status) || ex.req.Method == "HEAD" {
		if body != nil {
			body.Release()
		}
		body = nil
	}
	ex.resp, ex.body = resp, body
	close(ex.sent)
	return nil
}

// response waits for the handler's response.
func (ex *serverExchange) response() (*message.Response, entity.Producer, error) {
	select {
	case <-ex.sent:
	case <-ex.ctx.Done():
		return nil, nil, context.Cause(ex.ctx)
	}
	ex.respMu.Lock()
	defer ex.respMu.Unlock()
	return ex.resp, ex.body, nil
}

func (ex *serverExchange) producer() entity.Producer {
	return serverProducer{Producer: ex.body, ex: ex}
}

type serverProducer struct {
	entity.Producer
	ex *serverExchange
}

func (p serverProducer) Produce(ch entity.DataStreamChannel) error {
	p.ex.pmu.Lock()
	defer p.ex.pmu.Unlock()
	if p.ex.isDone() {
		return context.Cause(p.ex.ctx)
	}
	return p.Producer.Produce(ch)
}

func (ex *serverExchange) reportOutHeader(resp *message.Response) {
	if ex.sh != nil {
		ex.sh.HandleExchange(ex.sctx, &stats.OutHeader{Header: &resp.Header, Status: resp.Status})
	}
}

// responseWritten marks the response complete on the wire.
func (ex *serverExchange) responseWritten() {
	ex.respDone.Store(true)
	ex.maybeComplete()
}

func (ex *serverExchange) maybeComplete() {
	if ex.reqDone.Load() && ex.respDone.Load() {
		ex.terminate(stateCompleted, nil)
	}
}

// The request body side. Once the handler failed the rest of the body is
// read and dropped.

func (ex *serverExchange) UpdateCapacity(ch entity.CapacityChannel) error {
	ex.cmu.Lock()
	ex.capCh = ch
	discard := ex.discard
	ex.cmu.Unlock()
	if discard {
		return ch.Update(entity.UnboundedCapacity)
	}
	return ex.deliver(func() error { return ex.handler.UpdateCapacity(ch) })
}

func (ex *serverExchange) Consume(p []byte) error {
	ex.inBytes.Add(int64(len(p)))
	return ex.deliver(func() error { return ex.handler.Consume(p) })
}

func (ex *serverExchange) StreamEnd(trailers message.Header) error {
	err := ex.deliver(func() error { return ex.handler.StreamEnd(trailers) })
	if err == nil {
		ex.reqDone.Store(true)
		ex.maybeComplete()
	}
	return err
}

func (ex *serverExchange) Failed(error) {}
func (ex *serverExchange) Release()     {}

// deliver runs a body callback. A handler error is handled here and the
// connection keeps reading; only an exchange already gone stops it.
func (ex *serverExchange) deliver(fn func() error) error {
	ex.cmu.Lock()
	discard := ex.discard
	ex.cmu.Unlock()
	if discard {
		return nil
	}
	if err := ex.guard(fn); err != nil {
		if ex.isDone() {
			return err
		}
		ex.handlerFailed(err)
	}
	return nil
}

func (ex *serverExchange) fail(err error) bool {
	return ex.terminate(stateFailed, err)
}

func (ex *serverExchange) terminate(st exchangeState, err error) bool {
	for {
		cur := exchangeState(ex.state.Load())
		if cur.terminal() {
			return false
		}
		if ex.state.CompareAndSwap(int32(cur), int32(st)) {
			break
		}
	}
	cause := err
	if st == stateCompleted {
		cause = errExchangeDone
	}
	ex.cancel(cause)

	if ex.done != nil {
		ex.done(ex, st, err)
	}

	ex.pmu.Lock()
	ex.respMu.Lock()
	body := ex.body
	ex.respMu.Unlock()
	if body != nil {
		if st != stateCompleted {
			body.Failed(err)
		}
		body.Release()
	}
	ex.pmu.Unlock()

	ex.cmu.Lock()
	ex.released = true
	if ex.handler != nil {
		if st != stateCompleted {
			ex.handler.Failed(err)
		}
		ex.handler.Release()
	}
	ex.cmu.Unlock()

	if ex.sh != nil {
		now := time.Now()
		if n := ex.inBytes.Load(); n > 0 {
			ex.sh.HandleExchange(ex.sctx, &stats.InPayload{Length: n, RecvTime: now})
		}
		if n := ex.outBytes.Load(); n > 0 {
			ex.sh.HandleExchange(ex.sctx, &stats.OutPayload{Length: n, SentTime: now})
		}
		status := 0
		ex.respMu.Lock()
		if ex.resp != nil {
			status = ex.resp.Status
		}
		ex.respMu.Unlock()
		ex.sh.HandleExchange(ex.sctx, &stats.End{BeginTime: ex.begin, EndTime: now, Status: status, Error: err})
	}
	return true
}
