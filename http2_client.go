package zhttp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"golang.org/x/net/http2"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/protocol"
)

type h2ClientStream struct {
	ex   *exchange
	id   uint32 // 0 until HEADERS went out
	send h2send
	recv *h2recv

	gotHead    bool
	resp       *message.Response
	details    entity.Details
	headCh     chan struct{}
	peerReset  bool
	remoteDone bool
}

// http2ClientConn multiplexes exchanges over one HTTP/2 connection. Streams
// beyond the peer's concurrency limit wait in submission order.
type http2ClientConn struct {
	conn   net.Conn
	fw     *h2framer
	events connEvents

	mu             sync.Mutex
	streams        map[uint32]*h2ClientStream
	byExchange     map[*exchange]*h2ClientStream
	pending        []*exchange
	nextID         uint32
	maxStreams     uint32
	initialWindow  int64
	connSend       int64
	closing        bool
	closed         bool
	closeErr       error
	settingsLoaded bool

	ready chan struct{}
	done  chan struct{}
}

func newHTTP2ClientConn(conn net.Conn, br *bufio.Reader, events connEvents) (*http2ClientConn, error) {
	if br == nil {
		br = bufio.NewReaderSize(conn, ReaderBufferSize)
	}
	c := &http2ClientConn{
		conn:          conn,
		fw:            newH2Framer(conn, br),
		events:        events,
		streams:       make(map[uint32]*h2ClientStream),
		byExchange:    make(map[*exchange]*h2ClientStream),
		nextID:        1,
		maxStreams:    h2UnlimitedStreams,
		initialWindow: h2DefaultWindow,
		connSend:      h2DefaultWindow,
		ready:         make(chan struct{}),
		done:          make(chan struct{}),
	}

	if _, err := io.WriteString(c.fw.bw, http2.ClientPreface); err != nil {
		return nil, ioError("write", err)
	}
	if err := c.fw.writeSettings(h2Settings()...); err != nil {
		return nil, ioError("write", err)
	}
	if err := c.fw.writeWindowUpdate(0, h2ConnWindow-h2DefaultWindow); err != nil {
		return nil, ioError("write", err)
	}
	go c.readLoop()
	return c, nil
}

// awaitSettings blocks until the peer's first SETTINGS frame arrived, so
// the concurrency limit is known before the endpoint is handed out.
func (c *http2ClientConn) awaitSettings(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return closedError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *http2ClientConn) protocol() message.Version { return message.HTTP20 }
func (c *http2ClientConn) closedCh() <-chan struct{} { return c.done }

func (c *http2ClientConn) maxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.maxStreams)
}

func (c *http2ClientConn) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byExchange) + len(c.pending)
}

func (c *http2ClientConn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *http2ClientConn) healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.closing && c.nextID < 1<<31-1
}

func (c *http2ClientConn) submit(ex *exchange) error {
	c.mu.Lock()
	if c.closed || c.closing {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return closedError(err)
	}
	if !ex.advance(stateIdle, stateSubmitted) {
		c.mu.Unlock()
		return nil
	}
	if uint32(len(c.byExchange)) < c.maxStreams && len(c.pending) == 0 {
		st := c.openLocked(ex)
		c.mu.Unlock()
		go c.runStream(st)
		return nil
	}
	c.pending = append(c.pending, ex)
	c.mu.Unlock()
	return nil
}

func (c *http2ClientConn) openLocked(ex *exchange) *h2ClientStream {
	st := &h2ClientStream{
		ex:     ex,
		recv:   newH2Recv(),
		headCh: make(chan struct{}),
	}
	st.send = h2send{
		mu:      &c.mu,
		conn:    &c.connSend,
		maxSize: func() int { return int(c.fw.maxFrame.Load()) },
	}
	c.byExchange[ex] = st
	return st
}

// startPendingLocked opens queued exchanges while slots are free.
func (c *http2ClientConn) startPendingLocked() []*h2ClientStream {
	var started []*h2ClientStream
	for len(c.pending) > 0 && uint32(len(c.byExchange)) < c.maxStreams && !c.closing {
		ex := c.pending[0]
		c.pending = c.pending[1:]
		if ex.isDone() {
			continue
		}
		started = append(started, c.openLocked(ex))
	}
	return started
}

func (c *http2ClientConn) runStream(st *h2ClientStream) {
	ex := st.ex
	var d entity.Details
	if ex.body != nil {
		d = ex.body
	}
	ex.reportOutHeader()
	fields, err := protocol.RequestFields(ex.req, d)
	if err != nil {
		ex.fail(&ProtocolError{Cause: err})
		return
	}

	c.fw.wmu.Lock()
	c.mu.Lock()
	if c.closed || c.byExchange[ex] != st {
		c.mu.Unlock()
		c.fw.wmu.Unlock()
		return
	}
	st.id = c.nextID
	c.nextID += 2
	st.send.window = c.initialWindow
	c.streams[st.id] = st
	ex.touchWire()
	ex.advance(stateSubmitted, stateActive)
	if ex.body == nil {
		st.send.ended = true
	}
	c.mu.Unlock()
	err = c.fw.writeHeadersLocked(st.id, ex.body == nil, fields)
	c.fw.wmu.Unlock()
	if err != nil {
		c.close(ioError("write", err))
		return
	}

	go c.awaitResponse(st)

	if ex.body == nil {
		return
	}
	ch := newOutputChannel(&h2Sink{fw: c.fw, id: st.id, send: &st.send}, d)
	c.mu.Lock()
	st.send.out = ch
	c.mu.Unlock()
	err = produce(ex.ctx, ex.producer(), ch)
	ex.outBytes.Add(ch.written)
	if err != nil {
		// A body cut short leaves the peer holding a broken request.
		if poisonsConn(err) {
			c.poison(http2.ErrCodeInternal)
		}
		ex.fail(err)
	}
}

func (c *http2ClientConn) awaitResponse(st *h2ClientStream) {
	ex := st.ex
	select {
	case <-st.headCh:
	case <-ex.ctx.Done():
		return
	}
	if err := ex.startResponse(st.resp, st.details); err != nil {
		ex.fail(err)
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
		return
	}
	ex.complete()
}

// exchangeDone frees the slot of a terminated exchange. A stream still open
// in either direction is reset with CANCEL. Failures that spoil the
// connection have poisoned it before getting here.
func (c *http2ClientConn) exchangeDone(ex *exchange, _ exchangeState, _ error) {
	c.mu.Lock()
	if i := slices.Index(c.pending, ex); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
		c.mu.Unlock()
		c.afterDone()
		return
	}
	st, ok := c.byExchange[ex]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.byExchange, ex)
	reset := false
	if st.id != 0 {
		delete(c.streams, st.id)
		reset = !st.peerReset && !(st.send.ended && st.remoteDone)
	}
	started := c.startPendingLocked()
	closed := c.closed
	c.mu.Unlock()

	if reset && !closed {
		c.fw.writeRSTStream(st.id, http2.ErrCodeCancel)
	}
	for _, s := range started {
		go c.runStream(s)
	}
	c.afterDone()
}

func (c *http2ClientConn) afterDone() {
	c.mu.Lock()
	idle := !c.closed && len(c.byExchange) == 0 && len(c.pending) == 0
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

// shutdown sends GOAWAY and closes once the open streams finish. Queued
// exchanges are refused.
func (c *http2ClientConn) shutdown() {
	c.goAway(http2.ErrCodeNo)
}

// poison takes the connection out of service after a protocol violation or
// a broken request body. It is never pooled again and closes once the
// other open streams finish.
func (c *http2ClientConn) poison(code http2.ErrCode) {
	c.goAway(code)
}

func (c *http2ClientConn) goAway(code http2.ErrCode) {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	pending := c.pending
	c.pending = nil
	idle := len(c.byExchange) == 0
	c.mu.Unlock()

	c.fw.writeGoAway(0, code)
	for _, ex := range pending {
		ex.fail(&TransportError{Op: "shutdown", Cause: ErrStreamRefused})
	}
	if idle {
		c.close(ErrConnectionClosed)
	}
}

func (c *http2ClientConn) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	var victims []*exchange
	for ex := range c.byExchange {
		victims = append(victims, ex)
	}
	victims = append(victims, c.pending...)
	c.pending = nil
	close(c.done)
	c.mu.Unlock()

	c.conn.Close()
	err := closedError(cause)
	for _, ex := range victims {
		ex.fail(err)
	}
	if c.events.closed != nil {
		c.events.closed(cause)
	}
}

func (c *http2ClientConn) stream(id uint32) *h2ClientStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *http2ClientConn) readLoop() {
	for {
		f, err := c.fw.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if st := c.stream(se.StreamID); st != nil {
					c.resetStream(st, se.Code, &ProtocolError{Cause: se})
				}
				continue
			}
			err = h2ReadError(err)
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.fw.writeGoAway(0, http2.ErrCodeProtocol)
			}
			c.close(err)
			return
		}

		switch f := f.(type) {
		case *http2.SettingsFrame:
			err = c.handleSettings(f)
		case *http2.MetaHeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			err = c.handleData(f)
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(f)
		case *http2.RSTStreamFrame:
			if st := c.stream(f.StreamID); st != nil {
				c.mu.Lock()
				st.peerReset = true
				c.mu.Unlock()
				st.ex.fail(streamReset(f.StreamID, f.ErrCode))
			}
		case *http2.GoAwayFrame:
			c.handleGoAway(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				err = c.fw.writePing(true, f.Data)
			}
		case *http2.PushPromiseFrame:
			err = &ProtocolError{Cause: http2.ConnectionError(http2.ErrCodeProtocol)}
		}
		if err != nil {
			c.fw.writeGoAway(0, http2.ErrCodeProtocol)
			c.close(err)
			return
		}
	}
}

func (c *http2ClientConn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var maxStreams, window *uint32
	err := c.fw.applySettings(f, func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			maxStreams = &s.Val
		case http2.SettingInitialWindowSize:
			window = &s.Val
		}
		return nil
	})
	if err != nil {
		return &ProtocolError{Cause: err}
	}

	c.mu.Lock()
	if maxStreams != nil {
		c.maxStreams = *maxStreams
	}
	if window != nil {
		delta := int64(*window) - c.initialWindow
		for _, st := range c.streams {
			st.send.window += delta
		}
		c.initialWindow = int64(*window)
	}
	first := !c.settingsLoaded
	c.settingsLoaded = true
	started := c.startPendingLocked()
	for _, st := range c.streams {
		st.send.wake()
	}
	c.mu.Unlock()

	if first {
		close(c.ready)
	}
	for _, s := range started {
		go c.runStream(s)
	}
	if err := c.fw.writeSettingsAck(); err != nil {
		return ioError("write", err)
	}
	return nil
}

func (c *http2ClientConn) handleHeaders(f *http2.MetaHeadersFrame) {
	st := c.stream(f.StreamID)
	if st == nil {
		return
	}
	if !st.gotHead {
		resp, d, err := protocol.ParseResponseFields(f.Fields, st.ex.req.Method, f.StreamEnded())
		if err != nil {
			c.resetStream(st, http2.ErrCodeProtocol, &ProtocolError{Cause: err})
			return
		}
		if resp.IsInformational() {
			return
		}
		st.resp, st.details, st.gotHead = resp, d, true
		st.recv.expect(d)
		if f.StreamEnded() {
			c.remoteEnd(st, nil)
		}
		close(st.headCh)
		return
	}
	if !f.StreamEnded() {
		c.resetStream(st, http2.ErrCodeProtocol, protocolErrorf("trailers without END_STREAM"))
		return
	}
	tr, err := protocol.ParseTrailerFields(f.Fields)
	if err != nil {
		c.resetStream(st, http2.ErrCodeProtocol, &ProtocolError{Cause: err})
		return
	}
	if err := st.recv.account(0, true); err != nil {
		c.resetStream(st, http2.ErrCodeProtocol, err)
		return
	}
	c.remoteEnd(st, tr)
}

func (c *http2ClientConn) remoteEnd(st *h2ClientStream, trailers message.Header) {
	c.mu.Lock()
	st.remoteDone = true
	c.mu.Unlock()
	st.recv.end(trailers)
}

func (c *http2ClientConn) handleData(f *http2.DataFrame) error {
	// The connection window is reopened at once; only the stream window
	// follows the consumer.
	if f.Length > 0 {
		if err := c.fw.writeWindowUpdate(0, f.Length); err != nil {
			return ioError("write", err)
		}
	}
	st := c.stream(f.StreamID)
	if st == nil {
		return nil
	}
	if !st.gotHead {
		c.resetStream(st, http2.ErrCodeProtocol, protocolErrorf("DATA before response headers"))
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

func (c *http2ClientConn) handleWindowUpdate(f *http2.WindowUpdateFrame) {
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

// handleGoAway refuses every stream the peer will not process. They never
// reached the application and may be retried elsewhere.
func (c *http2ClientConn) handleGoAway(f *http2.GoAwayFrame) {
	c.mu.Lock()
	c.closing = true
	var refused []*exchange
	for id, st := range c.streams {
		if id > f.LastStreamID {
			refused = append(refused, st.ex)
		}
	}
	for ex, st := range c.byExchange {
		if st.id == 0 {
			refused = append(refused, ex)
		}
	}
	refused = append(refused, c.pending...)
	c.pending = nil
	idle := len(c.byExchange) == 0
	c.mu.Unlock()

	err := &TransportError{Op: "goaway", Cause: fmt.Errorf("%w: last stream %d, code %v", ErrStreamRefused, f.LastStreamID, f.ErrCode)}
	for _, ex := range refused {
		ex.fail(err)
	}
	if idle {
		c.close(ErrConnectionClosed)
	}
}

// resetStream fails the exchange of st and tells the peer. A peer that
// broke the protocol on one stream is not trusted with another: the
// connection is poisoned too.
func (c *http2ClientConn) resetStream(st *h2ClientStream, code http2.ErrCode, err error) {
	c.mu.Lock()
	st.peerReset = true
	c.mu.Unlock()
	c.fw.writeRSTStream(st.id, code)
	c.poison(http2.ErrCodeProtocol)
	st.recv.abort(err)
	st.ex.fail(err)
}
