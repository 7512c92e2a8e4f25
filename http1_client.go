package zhttp

import (
	"bufio"
	"net"
	"slices"
	"sync"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/protocol"
)

// http1ClientConn runs exchanges over one HTTP/1.1 connection. A writer
// goroutine sends requests in submission order, running ahead of the
// responses when pipelining is on; a reader goroutine matches responses to
// requests strictly in that order.
type http1ClientConn struct {
	conn       net.Conn
	br         *bufio.Reader
	bw         *bufio.Writer
	pipelining bool
	events     connEvents

	mu       sync.Mutex
	writeQ   []*exchange // submitted, nothing written yet
	readQ    []*exchange // on the wire, awaiting their responses
	closing  bool        // no new exchanges
	closed   bool
	closeErr error
	reusable bool

	writeWake chan struct{}
	done      chan struct{}
}

func newHTTP1ClientConn(conn net.Conn, br *bufio.Reader, pipelining bool, events connEvents) *http1ClientConn {
	if br == nil {
		br = bufio.NewReaderSize(conn, ReaderBufferSize)
	}
	c := &http1ClientConn{
		conn:       conn,
		br:         br,
		bw:         bufio.NewWriterSize(conn, writerBufferSize),
		pipelining: pipelining,
		events:     events,
		reusable:   true,
		writeWake:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *http1ClientConn) protocol() message.Version { return message.HTTP11 }
func (c *http1ClientConn) maxConcurrent() int        { return 1 }
func (c *http1ClientConn) closedCh() <-chan struct{} { return c.done }

func (c *http1ClientConn) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writeQ) + len(c.readQ)
}

func (c *http1ClientConn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *http1ClientConn) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.closing && c.reusable
}

func (c *http1ClientConn) submit(ex *exchange) error {
	c.mu.Lock()
	if c.closed || c.closing {
		err := c.closeErr
		c.mu.Unlock()
		return closedError(err)
	}
	if !ex.advance(stateIdle, stateSubmitted) {
		c.mu.Unlock()
		return nil
	}
	c.writeQ = append(c.writeQ, ex)
	c.mu.Unlock()
	c.wakeWriter()
	return nil
}

func (c *http1ClientConn) wakeWriter() {
	select {
	case c.writeWake <- struct{}{}:
	default:
	}
}

// exchangeDone removes a terminated exchange. An exchange that ends early
// after touching the wire leaves the connection out of sync, so the
// connection is closed.
func (c *http1ClientConn) exchangeDone(ex *exchange, st exchangeState, err error) {
	c.mu.Lock()
	if i := slices.Index(c.writeQ, ex); i >= 0 {
		c.writeQ = slices.Delete(c.writeQ, i, i+1)
		c.mu.Unlock()
		c.afterDone()
		return
	}
	i := slices.Index(c.readQ, ex)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.readQ = slices.Delete(c.readQ, i, i+1)
	poison := st != stateCompleted || i != 0
	c.mu.Unlock()

	if poison {
		c.close(reportedError{closedError(err)})
		return
	}
	c.wakeWriter()
	c.afterDone()
}

func (c *http1ClientConn) afterDone() {
	c.mu.Lock()
	idle := !c.closed && len(c.writeQ) == 0 && len(c.readQ) == 0
	closing := c.closing
	c.mu.Unlock()
	if !idle {
		return
	}
	if closing {
		c.close(ErrConnectionClosed)
		return
	}
	if c.events.idle != nil {
		c.events.idle()
	}
}

// shutdown stops taking exchanges and closes once the queued ones finish.
func (c *http1ClientConn) shutdown() {
	c.mu.Lock()
	c.closing = true
	idle := len(c.writeQ) == 0 && len(c.readQ) == 0
	c.mu.Unlock()
	if idle {
		c.close(ErrConnectionClosed)
	}
}

func (c *http1ClientConn) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := append(c.readQ, c.writeQ...)
	c.readQ, c.writeQ = nil, nil
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
	err := closedError(cause)
	for _, ex := range pending {
		ex.fail(err)
	}
	if c.events.closed != nil {
		c.events.closed(cause)
	}
}

// nextWrite pops the next exchange to send. Without pipelining it waits
// until every written request has its response head.
func (c *http1ClientConn) nextWrite() *exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.writeQ) > 0 {
		if c.closed {
			return nil
		}
		if !c.pipelining {
			for _, ex := range c.readQ {
				if !ex.gotHead.Load() {
					return nil
				}
			}
		}
		ex := c.writeQ[0]
		c.writeQ = c.writeQ[1:]
		if ex.isDone() {
			continue
		}
		ex.touchWire()
		c.readQ = append(c.readQ, ex)
		return ex
	}
	return nil
}

func (c *http1ClientConn) writeLoop() {
	for {
		select {
		case <-c.writeWake:
		case <-c.done:
			return
		}
		for ex := c.nextWrite(); ex != nil; ex = c.nextWrite() {
			if err := c.writeExchange(ex); err != nil {
				return
			}
		}
	}
}

func (c *http1ClientConn) writeExchange(ex *exchange) error {
	var d entity.Details
	if ex.body != nil {
		d = ex.body
	}
	ex.reportOutHeader()
	framing, err := protocol.WriteRequestHead(c.bw, ex.req, d, true)
	if err != nil {
		err = ioError("write", err)
		c.close(err)
		return err
	}
	sink := &http1Sink{bw: c.bw, chunked: framing.Kind == protocol.FramingChunked}
	if framing.Kind == protocol.FramingNone {
		if err := sink.flush(); err != nil {
			c.close(err)
			return err
		}
		return nil
	}

	ch := newOutputChannel(sink, d)
	err = produce(ex.ctx, ex.producer(), ch)
	ex.outBytes.Add(ch.written)
	if err == nil {
		return nil
	}
	// The request is incomplete on the wire either way.
	if !ex.fail(err) {
		c.close(ErrConnectionClosed)
	}
	return err
}

func (c *http1ClientConn) readLoop() {
	for {
		if _, err := c.br.Peek(1); err != nil {
			c.close(readError(err))
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.readQ) == 0 {
			c.mu.Unlock()
			c.close(protocolErrorf("unsolicited response"))
			return
		}
		ex := c.readQ[0]
		c.mu.Unlock()

		if !c.readExchange(ex) {
			return
		}
	}
}

func (c *http1ClientConn) readExchange(ex *exchange) bool {
	ex.advance(stateSubmitted, stateActive)

	resp, err := protocol.ReadResponseHead(c.br)
	for err == nil && resp.IsInformational() {
		if resp.Status == 101 {
			err = protocolErrorf("unexpected protocol switch")
			break
		}
		resp, err = protocol.ReadResponseHead(c.br)
	}
	if err != nil {
		err = readError(err)
		ex.fail(err)
		c.close(err)
		return false
	}

	framing, err := protocol.ResponseFraming(ex.req.Method, resp.Status, resp.Header)
	if err != nil {
		err = &ProtocolError{Cause: err}
		ex.fail(err)
		c.close(err)
		return false
	}
	keep := protocol.KeepAlive(resp.Version, resp.Header) && framing.Kind != protocol.FramingClose
	if !keep {
		c.mu.Lock()
		c.reusable = false
		c.mu.Unlock()
	}

	if err := ex.startResponse(resp, framing.Details(resp.Header)); err != nil {
		ex.fail(err)
		return false
	}
	if !c.pipelining {
		c.wakeWriter()
	}

	body := protocol.NewBodyReader(c.br, framing)
	err = deliver(ex.ctx, body, framing, ex)
	if err != nil {
		if !ex.fail(err) {
			c.close(ErrConnectionClosed)
		}
		return false
	}
	ex.complete()
	if !keep {
		c.close(ErrConnectionClosed)
		return false
	}
	return true
}
