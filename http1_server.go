package zhttp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/protocol"
)

// timeoutConn arms a fresh deadline before every read and write. Both
// server drivers read and write through it.
type timeoutConn struct {
	net.Conn
	read, write time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if c.read > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.read))
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if c.write > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.write))
	}
	return c.Conn.Write(p)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type h1Pending struct {
	ex        *serverExchange
	keepAlive bool
}

// http1ServerConn serves one HTTP/1.1 connection. The reader goroutine
// parses requests and feeds their bodies to the handlers; the writer
// goroutine sends responses strictly in request order, so pipelined
// requests are answered in the order they arrived.
type http1ServerConn struct {
	srv    *Server
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	ctx    context.Context
	secure bool

	mu       sync.Mutex
	queue    []h1Pending // awaiting their response on the wire
	active   int         // exchanges not yet terminated
	closing  bool
	closed   bool
	closeErr error

	wake chan struct{}
	done chan struct{}
}

func newHTTP1ServerConn(ctx context.Context, srv *Server, conn net.Conn, br *bufio.Reader, secure bool) *http1ServerConn {
	return &http1ServerConn{
		srv:    srv,
		conn:   conn,
		br:     br,
		bw:     bufio.NewWriterSize(conn, writerBufferSize),
		ctx:    ctx,
		secure: secure,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// serve runs the connection until it closes.
func (c *http1ServerConn) serve() {
	go c.writeLoop()
	c.readLoop()
	<-c.done
}

func (c *http1ServerConn) isIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == 0
}

func (c *http1ServerConn) readLoop() {
	for {
		if _, err := c.br.Peek(1); err != nil {
			if isTimeout(err) && !c.isIdle() {
				continue
			}
			c.close(readError(err))
			return
		}

		req, err := protocol.ReadRequestHead(c.br)
		if err != nil {
			c.reject(readError(err))
			return
		}
		framing, err := protocol.RequestFraming(req.Header)
		if err != nil {
			c.reject(&ProtocolError{Cause: err})
			return
		}
		req.Scheme = "http"
		if c.secure {
			req.Scheme = "https"
		}
		if req.Authority == "" {
			req.Authority = req.Header.Get("Host")
		}
		keep := protocol.KeepAlive(req.Version, req.Header)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		// A request that raced a graceful close is still answered, then the
		// connection ends.
		if c.closing {
			keep = false
		}
		d := framing.Details(req.Header)
		ex := newServerExchange(c.ctx, c.srv, req, d, c.exchangeDone)
		c.queue = append(c.queue, h1Pending{ex: ex, keepAlive: keep})
		c.active++
		if !keep {
			c.closing = true
		}
		c.mu.Unlock()
		c.wakeWriter()

		if req.Header.HasToken("Expect", "100-continue") && d != nil {
			if err := c.writeContinue(); err != nil {
				c.close(err)
				return
			}
		}

		ex.start()
		if d != nil {
			body := protocol.NewBodyReader(c.br, framing)
			if err := deliver(ex.ctx, body, framing, ex); err != nil {
				if !ex.fail(err) {
					c.close(ErrConnectionClosed)
				}
				return
			}
		}
		if !keep {
			return
		}
	}
}

// reject answers a request that could not be parsed with 400 and stops
// reading.
func (c *http1ServerConn) reject(cause error) {
	var pe *ProtocolError
	if !errors.As(cause, &pe) {
		c.close(cause)
		return
	}
	c.srv.record(cause)
	req := &message.Request{Method: "GET", Path: "/", Version: message.HTTP11}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ex := newServerExchange(c.ctx, c.srv, req, nil, c.exchangeDone)
	c.queue = append(c.queue, h1Pending{ex: ex, keepAlive: false})
	c.active++
	c.closing = true
	c.mu.Unlock()
	c.wakeWriter()

	resp := message.NewResponse(400)
	if err := ex.SendResponse(resp, entity.NewStringProducer(resp.Reason)); err != nil {
		ex.fail(err)
	}
}

func (c *http1ServerConn) writeContinue() error {
	c.mu.Lock()
	busy := len(c.queue) > 1
	c.mu.Unlock()
	// Earlier responses still owe the wire; the client will send the body
	// after its own timeout anyway.
	if busy {
		return nil
	}
	if _, err := c.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return ioError("write", err)
	}
	if err := c.bw.Flush(); err != nil {
		return ioError("write", err)
	}
	return nil
}

func (c *http1ServerConn) wakeWriter() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *http1ServerConn) head() (h1Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.queue) == 0 {
		return h1Pending{}, false
	}
	return c.queue[0], true
}

func (c *http1ServerConn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for p, ok := c.head(); ok; p, ok = c.head() {
			if !c.writeResponse(p) {
				return
			}
		}
	}
}

func (c *http1ServerConn) writeResponse(p h1Pending) bool {
	ex := p.ex
	resp, body, err := ex.response()
	if err != nil {
		// The exchange ended without a response; the stream is out of sync.
		c.close(closedError(err))
		return false
	}

	var d entity.Details
	if body != nil {
		d = body
	}
	ex.reportOutHeader(resp)
	framing, err := protocol.WriteResponseHead(c.bw, resp, d, ex.req.Method, p.keepAlive)
	if err != nil {
		err = ioError("write", err)
		ex.fail(err)
		c.close(err)
		return false
	}
	sink := &http1Sink{bw: c.bw, chunked: framing.Kind == protocol.FramingChunked}
	if body != nil && framing.Kind != protocol.FramingNone {
		ch := newOutputChannel(sink, d)
		err = produce(ex.ctx, ex.producer(), ch)
		ex.outBytes.Add(ch.written)
		if err != nil {
			ex.fail(err)
			c.close(ErrConnectionClosed)
			return false
		}
	} else if err := sink.flush(); err != nil {
		ex.fail(err)
		c.close(err)
		return false
	}

	c.mu.Lock()
	if len(c.queue) > 0 && c.queue[0].ex == ex {
		c.queue = c.queue[1:]
	}
	c.mu.Unlock()
	ex.responseWritten()
	return true
}

// exchangeDone accounts for a terminated exchange. Any exchange that did
// not complete leaves the connection unusable.
func (c *http1ServerConn) exchangeDone(ex *serverExchange, st exchangeState, err error) {
	c.mu.Lock()
	c.active--
	idle := c.active == 0 && len(c.queue) == 0
	closing := c.closing
	c.mu.Unlock()

	switch {
	case st != stateCompleted:
		go c.close(closedError(err))
	case idle && closing:
		go c.close(ErrConnectionClosed)
	}
}

// shutdown answers what is in flight, then closes. An idle connection
// closes at once.
func (c *http1ServerConn) shutdown() {
	c.mu.Lock()
	c.closing = true
	idle := c.active == 0
	c.mu.Unlock()
	if idle {
		c.close(ErrConnectionClosed)
	}
}

func (c *http1ServerConn) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.queue
	c.queue = nil
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
	err := closedError(cause)
	for _, p := range pending {
		p.ex.fail(err)
	}
	c.srv.connClosed(c, cause)
}
