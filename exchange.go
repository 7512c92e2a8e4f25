package zhttp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/future"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/stats"
)

type exchangeState int32

const (
	stateIdle exchangeState = iota
	stateSubmitted
	stateActive
	stateCompleted
	stateFailed
	stateCancelled
)

func (s exchangeState) String() string {
	return [...]string{"idle", "submitted", "active", "completed", "failed", "cancelled"}[s]
}

func (s exchangeState) terminal() bool { return s >= stateCompleted }

// errExchangeDone is the context cause of an exchange that completed.
var errExchangeDone = errors.New("zhttp: exchange done")

// responseSink is the consumer side of a client exchange with its result
// type erased.
type responseSink interface {
	entity.Consumer
	start(resp *message.Response, d entity.Details) error
	// prepare captures the result before the consumer is released.
	prepare(resp *message.Response)
	resolve(st exchangeState, err error)
}

// exchange is one request/response pair on a client connection.
type exchange struct {
	id   uint64
	req  *message.Request
	body entity.Producer
	sink responseSink

	// ctx ends with the exchange; its cause is the terminal error.
	ctx    context.Context
	cancel context.CancelCauseFunc
	unwatch func() bool

	state   atomic.Int32
	onWire  atomic.Bool
	gotHead atomic.Bool
	resp    *message.Response

	// done lets the connection account for the exchange. It runs before
	// the future resolves.
	done func(ex *exchange, st exchangeState, err error)

	// cmu serializes consumer callbacks with the release of the consumer;
	// pmu does the same for the producer.
	cmu      sync.Mutex
	pmu      sync.Mutex
	released bool

	sh       stats.Handler
	sctx     context.Context
	begin    time.Time
	inBytes  atomic.Int64
	outBytes atomic.Int64
}

var exchangeSeq atomic.Uint64

func newExchange(parent context.Context, req *message.Request, body entity.Producer, sink responseSink, sh stats.Handler, done func(*exchange, exchangeState, error)) *exchange {
	ex := &exchange{
		id:    exchangeSeq.Add(1),
		req:   req,
		body:  body,
		sink:  sink,
		done:  done,
		sh:    sh,
		begin: time.Now(),
	}
	ex.ctx, ex.cancel = context.WithCancelCause(context.WithoutCancel(parent))
	if sh != nil {
		ex.sctx = sh.TagExchange(parent, &stats.ExchangeTagInfo{
			Method:    req.Method,
			Authority: req.Authority,
			Path:      req.RequestURI(),
			Protocol:  req.Version,
		})
		sh.HandleExchange(ex.sctx, &stats.Begin{Client: true, BeginTime: ex.begin, Request: req})
	}
	ex.unwatch = context.AfterFunc(parent, func() {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			ex.fail(&TimeoutError{Op: "exchange", Cause: parent.Err()})
			return
		}
		ex.Cancel()
	})
	return ex
}

func (ex *exchange) State() exchangeState {
	return exchangeState(ex.state.Load())
}

func (ex *exchange) isDone() bool {
	return ex.State().terminal()
}

func (ex *exchange) advance(from, to exchangeState) bool {
	return ex.state.CompareAndSwap(int32(from), int32(to))
}

// touchWire records that bytes of this exchange may be on the wire.
func (ex *exchange) touchWire() {
	ex.onWire.Store(true)
}

func (ex *exchange) complete() bool {
	return ex.terminate(stateCompleted, nil)
}

func (ex *exchange) fail(err error) bool {
	return ex.terminate(stateFailed, err)
}

// Cancel implements future.Cancellable.
func (ex *exchange) Cancel() bool {
	return ex.terminate(stateCancelled, future.ErrCancelled)
}

func (ex *exchange) terminate(st exchangeState, err error) bool {
	for {
		cur := ex.State()
		if cur.terminal() {
			return false
		}
		if ex.state.CompareAndSwap(int32(cur), int32(st)) {
			break
		}
	}
	ex.unwatch()

	cause := err
	if st == stateCompleted {
		cause = errExchangeDone
	}
	ex.cancel(cause)

	if ex.done != nil {
		ex.done(ex, st, err)
	}

	ex.pmu.Lock()
	if ex.body != nil {
		if st != stateCompleted {
			ex.body.Failed(err)
		}
		ex.body.Release()
	}
	ex.pmu.Unlock()

	ex.cmu.Lock()
	ex.released = true
	if st == stateCompleted {
		ex.sink.prepare(ex.resp)
	} else {
		ex.sink.Failed(err)
	}
	ex.sink.Release()
	ex.cmu.Unlock()

	ex.reportEnd(err)
	ex.sink.resolve(st, err)
	return true
}

// producer returns the request body guarded against concurrent release.
func (ex *exchange) producer() entity.Producer {
	return guardedProducer{Producer: ex.body, ex: ex}
}

type guardedProducer struct {
	entity.Producer
	ex *exchange
}

func (p guardedProducer) Produce(ch entity.DataStreamChannel) error {
	p.ex.pmu.Lock()
	defer p.ex.pmu.Unlock()
	if p.ex.isDone() {
		return context.Cause(p.ex.ctx)
	}
	return p.Producer.Produce(ch)
}

func (ex *exchange) startResponse(resp *message.Response, d entity.Details) error {
	ex.cmu.Lock()
	defer ex.cmu.Unlock()
	if ex.released {
		return context.Cause(ex.ctx)
	}
	ex.resp = resp
	ex.gotHead.Store(true)
	if ex.sh != nil {
		ex.sh.HandleExchange(ex.sctx, &stats.InHeader{Client: true, Header: resp.Header, Status: resp.Status})
	}
	return ex.sink.start(resp, d)
}

// The exchange is the entity.Consumer the connection delivers into. Every
// call is dropped once the consumer has been released.

func (ex *exchange) UpdateCapacity(ch entity.CapacityChannel) error {
	ex.cmu.Lock()
	defer ex.cmu.Unlock()
	if ex.released {
		return context.Cause(ex.ctx)
	}
	return ex.sink.UpdateCapacity(ch)
}

func (ex *exchange) Consume(p []byte) error {
	ex.cmu.Lock()
	defer ex.cmu.Unlock()
	if ex.released {
		return context.Cause(ex.ctx)
	}
	ex.inBytes.Add(int64(len(p)))
	return ex.sink.Consume(p)
}

func (ex *exchange) StreamEnd(trailers message.Header) error {
	ex.cmu.Lock()
	defer ex.cmu.Unlock()
	if ex.released {
		return context.Cause(ex.ctx)
	}
	return ex.sink.StreamEnd(trailers)
}

func (ex *exchange) Failed(error) {}
func (ex *exchange) Release()     {}

func (ex *exchange) reportOutHeader() {
	if ex.sh != nil {
		ex.sh.HandleExchange(ex.sctx, &stats.OutHeader{Client: true, Header: &ex.req.Header})
	}
}

func (ex *exchange) reportEnd(err error) {
	if ex.sh == nil {
		return
	}
	now := time.Now()
	if n := ex.outBytes.Load(); n > 0 {
		ex.sh.HandleExchange(ex.sctx, &stats.OutPayload{Client: true, Length: n, SentTime: now})
	}
	if n := ex.inBytes.Load(); n > 0 {
		ex.sh.HandleExchange(ex.sctx, &stats.InPayload{Client: true, Length: n, RecvTime: now})
	}
	status := 0
	if ex.gotHead.Load() && ex.resp != nil {
		status = ex.resp.Status
	}
	ex.sh.HandleExchange(ex.sctx, &stats.End{Client: true, BeginTime: ex.begin, EndTime: now, Status: status, Error: err})
}

// responseHandler adapts a typed consumer and its future.
type responseHandler[T any] struct {
	entity.EntityConsumer[T]
	fut    *future.Future[message.Message[*message.Response, T]]
	result message.Message[*message.Response, T]
}

func (h *responseHandler[T]) start(_ *message.Response, d entity.Details) error {
	return h.StreamStart(d)
}

func (h *responseHandler[T]) prepare(resp *message.Response) {
	h.result = message.New(resp, h.Content())
}

func (h *responseHandler[T]) resolve(st exchangeState, err error) {
	switch st {
	case stateCompleted:
		h.fut.Complete(h.result)
	case stateCancelled:
		h.fut.Cancel()
	default:
		h.fut.Fail(err)
	}
}
