package zhttp

import (
	"context"
	"sync"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

const echoBufferSize = 2048

// EchoHandler streams the request body back as the response body. At most
// echoBufferSize bytes are held at a time; the request is read only as fast
// as the response is written.
type EchoHandler struct {
	mu       sync.Mutex
	buf      []byte
	details  entity.Details
	capacity entity.CapacityChannel
	out      entity.DataStreamChannel
	ended    bool
	trailers message.Header
	failure  error
}

// NewEchoHandler is a HandlerFactory.
func NewEchoHandler(*message.Request) ServerExchangeHandler {
	return &EchoHandler{buf: make([]byte, 0, echoBufferSize)}
}

func (h *EchoHandler) HandleRequest(_ context.Context, req *message.Request, d entity.Details, rc ResponseChannel) error {
	resp := message.NewResponse(200)
	if d == nil {
		return rc.SendResponse(resp, nil)
	}
	h.details = entity.Info{
		Length:   d.ContentLength(),
		Type:     d.ContentType(),
		Encoding: d.ContentEncoding(),
		Chunked:  d.IsChunked(),
	}
	return rc.SendResponse(resp, echoProducer{h})
}

func (h *EchoHandler) UpdateCapacity(ch entity.CapacityChannel) error {
	h.mu.Lock()
	h.capacity = ch
	free := echoBufferSize - len(h.buf)
	h.mu.Unlock()
	return ch.Update(free)
}

func (h *EchoHandler) Consume(p []byte) error {
	h.mu.Lock()
	h.buf = append(h.buf, p...)
	out := h.out
	h.mu.Unlock()
	if out != nil {
		out.RequestOutput()
	}
	return nil
}

func (h *EchoHandler) StreamEnd(trailers message.Header) error {
	h.mu.Lock()
	h.ended = true
	h.trailers = trailers
	out := h.out
	h.mu.Unlock()
	if out != nil {
		out.RequestOutput()
	}
	return nil
}

func (h *EchoHandler) Failed(cause error) {
	h.mu.Lock()
	if h.failure == nil {
		h.failure = cause
	}
	h.mu.Unlock()
}

func (h *EchoHandler) Release() {
	h.mu.Lock()
	h.buf = nil
	h.capacity = nil
	h.out = nil
	h.mu.Unlock()
}

func (h *EchoHandler) produce(ch entity.DataStreamChannel) error {
	h.mu.Lock()
	h.out = ch
	if h.failure != nil {
		h.mu.Unlock()
		return nil
	}
	var written int
	for len(h.buf) > 0 {
		n, err := ch.Write(h.buf)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		if n == 0 {
			break
		}
		h.buf = append(h.buf[:0], h.buf[n:]...)
		written += n
	}
	drained := len(h.buf) == 0
	ended, trailers := h.ended, h.trailers
	capacity := h.capacity
	h.mu.Unlock()

	if written > 0 && capacity != nil {
		if err := capacity.Update(written); err != nil {
			return err
		}
	}
	if drained && ended {
		return ch.EndStream(trailers)
	}
	return nil
}

// echoProducer is the response side of an EchoHandler.
type echoProducer struct {
	h *EchoHandler
}

func (p echoProducer) ContentLength() int64    { return p.h.details.ContentLength() }
func (p echoProducer) ContentType() string     { return p.h.details.ContentType() }
func (p echoProducer) ContentEncoding() string { return p.h.details.ContentEncoding() }
func (p echoProducer) IsChunked() bool         { return p.h.details.IsChunked() }
func (p echoProducer) TrailerNames() []string  { return nil }
func (p echoProducer) IsRepeatable() bool      { return false }

func (p echoProducer) Available() int {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return len(p.h.buf)
}

func (p echoProducer) Produce(ch entity.DataStreamChannel) error { return p.h.produce(ch) }
func (p echoProducer) Failed(cause error)                        { p.h.Failed(cause) }
func (p echoProducer) Release()                                  {}
