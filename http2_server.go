package zhttp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/net/http2"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/protocol"
)

type h2ServerStream struct {
	ex   *serverExchange
	id   uint32
	send h2send
	recv *h2recv

	remoteDone bool
	reset      bool
}

// http2ServerConn serves one HTTP/2 connection. Each stream is an
// independent exchange; the read loop demultiplexes frames and handler
// work runs on the server's worker pool.
type http2ServerConn struct {
	srv  *Server
	conn net.Conn
	br   *bufio.Reader
	fw   *h2framer
	ctx  context.Context

	mu            sync.Mutex
	streams       map[uint32]*h2ServerStream
	lastID        uint32
	maxStreams    uint32
	initialWindow int64
	connSend      int64
	goingAway     bool
	closed        bool
	closeErr      error

	done chan struct{}
}

func newHTTP2ServerConn(ctx context.Context, srv *Server, conn net.Conn, br *bufio.Reader) *http2ServerConn {
	return &http2ServerConn{
		srv:           srv,
		conn:          conn,
		br:            br,
		fw:            newH2Framer(conn, br),
		ctx:           ctx,
		streams:       make(map[uint32]*h2ServerStream),
		maxStreams:    srv.opt.maxStreams,
		initialWindow: h2DefaultWindow,
		connSend:      h2DefaultWindow,
		done:          make(chan struct{}),
	}
}

// serve reads the client preface, announces our settings and runs the read
// loop until the connection closes.
func (c *http2ServerConn) serve() {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(c.br, preface); err != nil {
		c.close(readError(err))
		return
	}
	if string(preface) != http2.ClientPreface {
		c.close(protocolErrorf("bad connection preface"))
		return
	}
	settings := h2Settings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: c.maxStreams})
	if err := c.fw.writeSettings(settings...); err != nil {
		c.close(ioError("write", err))
		return
	}
	if err := c.fw.writeWindowUpdate(0, h2ConnWindow-h2DefaultWindow); err != nil {
		c.close(ioError("write", err))
		return
	}
	c.readLoop()
	<-c.done
}

func (c *http2ServerConn) stream(id uint32) *h2ServerStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *http2ServerConn) readLoop() {
	for {
		f, err := c.fw.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if st := c.stream(se.StreamID); st != nil {
					c.resetStream(st, se.Code, &ProtocolError{Cause: se})
				} else {
					c.fw.writeRSTStream(se.StreamID, se.Code)
				}
				continue
			}
			err = h2ReadError(err)
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.goAway(http2.ErrCodeProtocol)
			}
			c.close(err)
			return
		}

		switch f := f.(type) {
		case *http2.SettingsFrame:
			err = c.handleSettings(f)
		case *http2.MetaHeadersFrame:
			err = c.handleHeaders(f)
		case *http2.DataFrame:
			err = c.handleData(f)
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(f)
		case *http2.RSTStreamFrame:
			if st := c.stream(f.StreamID); st != nil {
				c.mu.Lock()
				st.reset = true
				c.mu.Unlock()
				err := streamReset(f.StreamID, f.ErrCode)
				st.recv.abort(err)
				st.ex.fail(err)
			}
		case *http2.GoAwayFrame:
			c.shutdown()
		case *http2.PingFrame:
			if !f.IsAck() {
				err = c.fw.writePing(true, f.Data)
			}
		case *http2.PushPromiseFrame:
			err = &ProtocolError{Cause: http2.ConnectionError(http2.ErrCodeProtocol)}
		}
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.goAway(http2.ErrCodeProtocol)
			}
			c.close(err)
			return
		}
	}
}

func (c *http2ServerConn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var window *uint32
	err := c.fw.applySettings(f, func(s http2.Setting) error {
		if s.ID == http2.SettingInitialWindowSize {
			window = &s.Val
		}
		return nil
	})
	if err != nil {
		return &ProtocolError{Cause: err}
	}
	if window != nil {
		c.mu.Lock()
		delta := int64(*window) - c.initialWindow
		for _, st := range c.streams {
			st.send.window += delta
			st.send.wake()
		}
		c.initialWindow = int64(*window)
		c.mu.Unlock()
	}
	if err := c.fw.writeSettingsAck(); err != nil {
		return ioError("write", err)
	}
	return nil
}

func (c *http2ServerConn) handleHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if st := c.stream(id); st != nil {
		if st.remoteDone || !f.StreamEnded() {
			c.resetStream(st, http2.ErrCodeProtocol, protocolErrorf("unexpected HEADERS on stream %d", id))
			return nil
		}
		tr, err := protocol.ParseTrailerFields(f.Fields)
		if err != nil {
			c.resetStream(st, http2.ErrCodeProtocol, &ProtocolError{Cause: err})
			return nil
		}
		if err := st.recv.account(0, true); err != nil {
			c.resetStream(st, http2.ErrCodeProtocol, err)
			return nil
		}
		c.remoteEnd(st, tr)
		return nil
	}

	c.mu.Lock()
	if id%2 == 0 || id <= c.lastID {
		c.mu.Unlock()
		return protocolErrorf("invalid stream id %d", id)
	}
	c.lastID = id
	refuse := c.goingAway || c.closed || c.activeLocked() >= c.maxStreams
	c.mu.Unlock()
	if refuse {
		c.fw.writeRSTStream(id, http2.ErrCodeRefusedStream)
		return nil
	}

	req, d, err := protocol.ParseRequestFields(f.Fields, f.StreamEnded())
	if err != nil {
		c.srv.record(&ProtocolError{Cause: err})
		c.fw.writeRSTStream(id, http2.ErrCodeProtocol)
		return nil
	}

	st := &h2ServerStream{id: id, recv: newH2Recv()}
	st.recv.expect(d)
	st.send = h2send{
		mu:      &c.mu,
		conn:    &c.connSend,
		maxSize: func() int { return int(c.fw.maxFrame.Load()) },
	}
	c.mu.Lock()
	st.send.window = c.initialWindow
	st.ex = newServerExchange(c.ctx, c.srv, req, d, c.exchangeDone)
	c.streams[id] = st
	c.mu.Unlock()
	if f.StreamEnded() {
		c.remoteEnd(st, nil)
	}

	c.srv.dispatch(func() { c.runStream(st) })
	return nil
}

// activeLocked counts the streams that still count against the limit.
// One ended in both directions is closed even before its exchange has
// been accounted for.
func (c *http2ServerConn) activeLocked() uint32 {
	var n uint32
	for _, st := range c.streams {
		if !(st.send.ended && st.remoteDone) {
			n++
		}
	}
	return n
}

func (c *http2ServerConn) remoteEnd(st *h2ServerStream, trailers message.Header) {
	c.mu.Lock()
	st.remoteDone = true
	c.mu.Unlock()
	st.recv.end(trailers)
}

// runStream calls the handler, then feeds it the request body while the
// response goes out on its own goroutine.
func (c *http2ServerConn) runStream(st *h2ServerStream) {
	ex := st.ex
	ex.start()
	go c.respond(st)
	if ex.details == nil {
		return
	}
	err := st.recv.deliver(ex.ctx, ex, func(n int) {
		if st.recv.isEnded() {
			return
		}
		if err := c.fw.writeWindowUpdate(st.id, uint32(n)); err != nil {
			c.close(ioError("write", err))
		}
	})
	if err != nil {
		ex.fail(err)
	}
}

func (c *http2ServerConn) respond(st *h2ServerStream) {
	ex := st.ex
	resp, body, err := ex.response()
	if err != nil {
		return
	}
	var d entity.Details
	if body != nil {
		d = body
	}
	fields, err := protocol.ResponseFields(resp, d)
	if err != nil {
		ex.fail(&ProtocolError{Cause: err})
		return
	}
	ex.reportOutHeader(resp)

	c.fw.wmu.Lock()
	c.mu.Lock()
	if c.closed || c.streams[st.id] != st {
		c.mu.Unlock()
		c.fw.wmu.Unlock()
		return
	}
	if body == nil {
		st.send.ended = true
	}
	c.mu.Unlock()
	err = c.fw.writeHeadersLocked(st.id, body == nil, fields)
	c.fw.wmu.Unlock()
	if err != nil {
		c.close(ioError("write", err))
		return
	}

	if body != nil {
		ch := newOutputChannel(&h2Sink{fw: c.fw, id: st.id, send: &st.send}, d)
		c.mu.Lock()
		st.send.out = ch
		c.mu.Unlock()
		err = produce(ex.ctx, ex.producer(), ch)
		ex.outBytes.Add(ch.written)
		if err != nil {
			if poisonsConn(err) {
				c.poison(http2.ErrCodeInternal)
			}
			ex.fail(err)
			return
		}
	}
	ex.responseWritten()
}

// exchangeDone frees the stream of a terminated exchange. A stream still
// open in either direction is reset. A going-away connection closes with
// its last stream.
func (c *http2ServerConn) exchangeDone(ex *serverExchange, state exchangeState, _ error) {
	c.mu.Lock()
	var st *h2ServerStream
	for id, s := range c.streams {
		if s.ex == ex {
			st = s
			delete(c.streams, id)
			break
		}
	}
	if st == nil {
		c.mu.Unlock()
		return
	}
	reset := !c.closed && !st.reset && !(st.send.ended && st.remoteDone)
	idle := len(c.streams) == 0 && c.goingAway
	c.mu.Unlock()

	if reset {
		code := http2.ErrCodeInternal
		if state == stateCompleted || state == stateCancelled {
			code = http2.ErrCodeCancel
		}
		c.fw.writeRSTStream(st.id, code)
	}
	st.recv.abort(ErrConnectionClosed)
	if idle {
		go c.close(ErrConnectionClosed)
	}
}

func (c *http2ServerConn) handleData(f *http2.DataFrame) error {
	if f.Length > 0 {
		if err := c.fw.writeWindowUpdate(0, f.Length); err != nil {
			return ioError("write", err)
		}
	}
	st := c.stream(f.StreamID)
	if st == nil {
		return nil
	}
	c.mu.Lock()
	done := st.remoteDone
	c.mu.Unlock()
	if done {
		c.resetStream(st, http2.ErrCodeStreamClosed, protocolErrorf("DATA after END_STREAM on stream %d", st.id))
		return nil
	}
	data := f.Data()
	if err := st.recv.account(len(data), f.StreamEnded()); err != nil {
		c.resetStream(st, http2.ErrCodeProtocol, err)
		return nil
	}
	if pad := f.Length - uint32(len(data)); pad > 0 && !f.StreamEnded() {
		if err := c.fw.writeWindowUpdate(st.id, pad); err != nil {
			return ioError("write", err)
		}
	}
	if !st.recv.push(data) {
		c.resetStream(st, http2.ErrCodeFlowControl, protocolErrorf("stream %d overran its window", st.id))
		return nil
	}
	if f.StreamEnded() {
		c.remoteEnd(st, nil)
	}
	return nil
}

func (c *http2ServerConn) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.StreamID == 0 {
		c.connSend += int64(f.Increment)
		for _, st := range c.streams {
			st.send.wake()
		}
		return
	}
	if st := c.streams[f.StreamID]; st != nil {
		st.send.window += int64(f.Increment)
		st.send.wake()
	}
}

// resetStream fails the exchange of st after a protocol violation on it.
// The client gets RST_STREAM and, since it cannot be trusted with further
// streams, GOAWAY; the connection closes when the others finish.
func (c *http2ServerConn) resetStream(st *h2ServerStream, code http2.ErrCode, err error) {
	c.mu.Lock()
	st.reset = true
	c.mu.Unlock()
	c.fw.writeRSTStream(st.id, code)
	c.poison(http2.ErrCodeProtocol)
	c.srv.record(err)
	st.recv.abort(err)
	st.ex.fail(err)
}

// poison stops taking streams after a broken one. The connection closes
// once the others finish.
func (c *http2ServerConn) poison(code http2.ErrCode) {
	c.mu.Lock()
	skip := c.closed || c.goingAway
	c.mu.Unlock()
	if !skip {
		c.goAway(code)
	}
}

func (c *http2ServerConn) goAway(code http2.ErrCode) {
	c.mu.Lock()
	c.goingAway = true
	lastID := c.lastID
	c.mu.Unlock()
	c.fw.writeGoAway(lastID, code)
}

// shutdown sends GOAWAY with the last stream taken and closes once the
// open streams finish.
func (c *http2ServerConn) shutdown() {
	c.mu.Lock()
	if c.closed || c.goingAway {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.goAway(http2.ErrCodeNo)
	c.mu.Lock()
	idle := len(c.streams) == 0
	c.mu.Unlock()
	if idle {
		c.close(ErrConnectionClosed)
	}
}

func (c *http2ServerConn) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	var victims []*h2ServerStream
	for _, st := range c.streams {
		victims = append(victims, st)
	}
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
	err := closedError(cause)
	for _, st := range victims {
		st.recv.abort(err)
		st.ex.fail(err)
	}
	c.srv.connClosed(c, cause)
}
