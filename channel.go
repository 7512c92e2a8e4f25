package zhttp

import (
	"context"
	"sync"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

// bodySink is the protocol side of an outgoing body.
type bodySink interface {
	// write sends as much of p as the transport accepts right now.
	write(p []byte) (int, error)
	end(trailers message.Header) error
	flush() error
}

// outputChannel is the DataStreamChannel handed to producers. It enforces
// the declared content length.
type outputChannel struct {
	sink     bodySink
	declared int64
	written  int64
	ended    bool
	err      error
	wakeup   chan struct{}
}

func newOutputChannel(sink bodySink, d entity.Details) *outputChannel {
	declared := int64(-1)
	if d != nil && !d.IsChunked() {
		declared = d.ContentLength()
	}
	return &outputChannel{sink: sink, declared: declared, wakeup: make(chan struct{}, 1)}
}

func (c *outputChannel) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.ended {
		return 0, entity.ErrStreamEnded
	}
	if c.declared >= 0 && c.written+int64(len(p)) > c.declared {
		c.err = protocolErrorf("body exceeds declared length %d", c.declared)
		return 0, c.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := c.sink.write(p)
	c.written += int64(n)
	if err != nil {
		c.err = err
	}
	return n, err
}

func (c *outputChannel) RequestOutput() {
	c.wake()
}

func (c *outputChannel) wake() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

func (c *outputChannel) EndStream(trailers message.Header) error {
	if c.err != nil {
		return c.err
	}
	if c.ended {
		return entity.ErrStreamEnded
	}
	if c.declared >= 0 && c.written != c.declared {
		c.err = protocolErrorf("body ended after %d of %d declared bytes", c.written, c.declared)
		return c.err
	}
	c.ended = true
	if err := c.sink.end(trailers); err != nil {
		c.err = err
		return err
	}
	return nil
}

// produce drives p until it ends the stream. The producer is called again
// as long as it makes progress; otherwise the driver waits for capacity or
// a RequestOutput signal.
func produce(ctx context.Context, p entity.Producer, ch *outputChannel) error {
	for !ch.ended {
		before := ch.written
		if err := p.Produce(ch); err != nil {
			if ch.err != nil {
				return ch.err
			}
			return &ProducerError{Cause: err}
		}
		if ch.err != nil {
			return ch.err
		}
		if ch.ended || ch.written > before {
			continue
		}
		if err := ch.sink.flush(); err != nil {
			return err
		}
		select {
		case <-ch.wakeup:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return nil
}

// capacityWindow is the inbound credit a consumer grants. Delivery takes
// from it and stops when it is empty.
type capacityWindow struct {
	mu      sync.Mutex
	avail   int64
	changed chan struct{}
}

func newCapacityWindow() *capacityWindow {
	return &capacityWindow{changed: make(chan struct{}, 1)}
}

func (w *capacityWindow) Update(increment int) error {
	if increment <= 0 {
		return nil
	}
	w.mu.Lock()
	w.avail += int64(increment)
	if w.avail > entity.UnboundedCapacity {
		w.avail = entity.UnboundedCapacity
	}
	w.mu.Unlock()
	select {
	case w.changed <- struct{}{}:
	default:
	}
	return nil
}

// take returns up to max bytes of credit, waiting while none is available.
func (w *capacityWindow) take(ctx context.Context, max int) (int, error) {
	for {
		w.mu.Lock()
		if w.avail > 0 {
			n := max
			if int64(n) > w.avail {
				n = int(w.avail)
			}
			w.avail -= int64(n)
			w.mu.Unlock()
			return n, nil
		}
		w.mu.Unlock()
		select {
		case <-w.changed:
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		}
	}
}

// giveBack returns unused credit.
func (w *capacityWindow) giveBack(n int) {
	if n > 0 {
		w.mu.Lock()
		w.avail += int64(n)
		w.mu.Unlock()
	}
}
