package zhttp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/protocol"
)

const (
	h2DefaultWindow = 65535
	// h2StreamWindow is the receive window advertised per stream. It bounds
	// what a stream buffers while its consumer grants no capacity.
	h2StreamWindow       = 256 << 10
	h2ConnWindow         = 1 << 30
	h2MaxHeaderListSize  = 10 << 20
	h2MaxFrameSize       = 16 << 10
	h2UnlimitedStreams   = 1000
	h2DefaultServerLimit = 250
)

// h2framer serializes frame writes on one connection. Reads happen on the
// connection's read loop only.
type h2framer struct {
	wmu  sync.Mutex
	bw   *bufio.Writer
	fr   *http2.Framer
	hbuf bytes.Buffer
	henc *hpack.Encoder

	maxFrame atomic.Uint32 // peer's SETTINGS_MAX_FRAME_SIZE
}

func newH2Framer(conn net.Conn, br *bufio.Reader) *h2framer {
	f := &h2framer{bw: bufio.NewWriterSize(conn, writerBufferSize)}
	f.fr = http2.NewFramer(f.bw, br)
	f.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	f.fr.MaxHeaderListSize = h2MaxHeaderListSize
	f.henc = hpack.NewEncoder(&f.hbuf)
	f.maxFrame.Store(h2MaxFrameSize)
	return f
}

// writeHeadersLocked encodes fields and splits the block into HEADERS and
// CONTINUATION frames. The caller holds wmu.
func (f *h2framer) writeHeadersLocked(id uint32, endStream bool, fields []hpack.HeaderField) error {
	f.hbuf.Reset()
	for _, hf := range fields {
		if err := f.henc.WriteField(hf); err != nil {
			return err
		}
	}
	hdrs := f.hbuf.Bytes()
	maxFrame := int(f.maxFrame.Load())
	first := true
	for first || len(hdrs) > 0 {
		chunk := hdrs
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		hdrs = hdrs[len(chunk):]
		endHeaders := len(hdrs) == 0
		var err error
		if first {
			err = f.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = f.fr.WriteContinuation(id, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return f.bw.Flush()
}

func (f *h2framer) writeHeaders(id uint32, endStream bool, fields []hpack.HeaderField) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.writeHeadersLocked(id, endStream, fields)
}

func (f *h2framer) writeData(id uint32, endStream bool, p []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.fr.WriteData(id, endStream, p); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *h2framer) writeWindowUpdate(id, n uint32) error {
	if n == 0 {
		return nil
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.fr.WriteWindowUpdate(id, n); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *h2framer) writeRSTStream(id uint32, code http2.ErrCode) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.fr.WriteRSTStream(id, code); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *h2framer) writeGoAway(lastID uint32, code http2.ErrCode) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.fr.WriteGoAway(lastID, code, nil); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *h2framer) writeSettings(settings ...http2.Setting) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.fr.WriteSettings(settings...); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *h2framer) writeSettingsAck() error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.fr.WriteSettingsAck(); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *h2framer) writePing(ack bool, data [8]byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.fr.WritePing(ack, data); err != nil {
		return err
	}
	return f.bw.Flush()
}

// applySettings updates the write side from the peer's SETTINGS and calls fn
// for the rest.
func (f *h2framer) applySettings(sf *http2.SettingsFrame, fn func(s http2.Setting) error) error {
	return sf.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingMaxFrameSize:
			f.maxFrame.Store(s.Val)
		case http2.SettingHeaderTableSize:
			f.wmu.Lock()
			f.henc.SetMaxDynamicTableSize(s.Val)
			f.wmu.Unlock()
		}
		return fn(s)
	})
}

// h2send is the outgoing half of a stream: send window accounting shared
// with the connection window.
type h2send struct {
	mu      *sync.Mutex // the connection's mutex
	conn    *int64      // connection send window
	window  int64
	ended   bool
	out     *outputChannel
	maxSize func() int
}

// reserve takes up to want bytes of send window.
func (s *h2send) reserve(want int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(want)
	if n > s.window {
		n = s.window
	}
	if n > *s.conn {
		n = *s.conn
	}
	if m := int64(s.maxSize()); n > m {
		n = m
	}
	if n <= 0 {
		return 0
	}
	s.window -= n
	*s.conn -= n
	return int(n)
}

func (s *h2send) wake() {
	if s.out != nil {
		s.out.wake()
	}
}

// h2Sink writes a body as DATA frames within the send windows.
type h2Sink struct {
	fw   *h2framer
	id   uint32
	send *h2send
}

func (s *h2Sink) write(p []byte) (int, error) {
	n := s.send.reserve(len(p))
	if n == 0 {
		return 0, nil
	}
	if err := s.fw.writeData(s.id, false, p[:n]); err != nil {
		return 0, ioError("write", err)
	}
	return n, nil
}

// end marks the stream ended before END_STREAM goes out, so the peer can
// never see it first.
func (s *h2Sink) end(trailers message.Header) error {
	s.send.mu.Lock()
	s.send.ended = true
	s.send.mu.Unlock()
	var err error
	if trailers.Len() > 0 {
		err = s.fw.writeHeaders(s.id, true, protocol.TrailerFields(trailers))
	} else {
		err = s.fw.writeData(s.id, true, nil)
	}
	if err != nil {
		return ioError("write", err)
	}
	return nil
}

func (s *h2Sink) flush() error { return nil }

// h2recv buffers the DATA of one stream until its consumer has capacity.
type h2recv struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	ended    bool
	trailers message.Header
	err      error
	notify   chan struct{}

	declared int64 // content-length of the body, -1 if none
	received int64
}

func newH2Recv() *h2recv {
	return &h2recv{notify: make(chan struct{}, 1), declared: -1}
}

// expect records the declared length of the body that follows.
func (r *h2recv) expect(d entity.Details) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d != nil && !d.IsChunked() {
		r.declared = d.ContentLength()
	}
}

// account counts n more DATA bytes against the declared length. ended is
// set when the frame carried END_STREAM.
func (r *h2recv) account(n int, ended bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received += int64(n)
	switch {
	case r.declared < 0:
	case r.received > r.declared:
		return protocolErrorf("body exceeds declared length %d", r.declared)
	case ended && r.received < r.declared:
		return protocolErrorf("body ended after %d of %d declared bytes", r.received, r.declared)
	}
	return nil
}

func (r *h2recv) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// push queues a copy of p. It reports false when the peer overran the
// stream window.
func (r *h2recv) push(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	r.mu.Lock()
	if r.size+len(p) > h2StreamWindow {
		r.mu.Unlock()
		return false
	}
	r.chunks = append(r.chunks, bytes.Clone(p))
	r.size += len(p)
	r.mu.Unlock()
	r.signal()
	return true
}

func (r *h2recv) end(trailers message.Header) {
	r.mu.Lock()
	r.ended = true
	r.trailers = trailers
	r.mu.Unlock()
	r.signal()
}

func (r *h2recv) isEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *h2recv) abort(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.signal()
}

// deliver hands buffered DATA to c as it grants capacity. consumed is
// called with every delivered count so the stream window can be reopened.
func (r *h2recv) deliver(ctx context.Context, c entity.Consumer, consumed func(n int)) error {
	r.mu.Lock()
	empty := r.ended && r.size == 0
	r.mu.Unlock()
	if empty {
		return c.StreamEnd(r.trailers)
	}

	window := newCapacityWindow()
	if err := c.UpdateCapacity(window); err != nil {
		return err
	}
	for {
		r.mu.Lock()
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return err
		}
		if len(r.chunks) == 0 {
			if r.ended {
				tr := r.trailers
				r.mu.Unlock()
				return c.StreamEnd(tr)
			}
			r.mu.Unlock()
			select {
			case <-r.notify:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
			continue
		}
		chunk := r.chunks[0]
		r.mu.Unlock()

		n, err := window.take(ctx, len(chunk))
		if err != nil {
			return err
		}

		r.mu.Lock()
		if len(chunk) == n {
			r.chunks = r.chunks[1:]
		} else {
			r.chunks[0] = chunk[n:]
		}
		r.size -= n
		r.mu.Unlock()

		if err := c.Consume(chunk[:n]); err != nil {
			return err
		}
		consumed(n)
	}
}

// h2Settings is what both sides advertise.
func h2Settings(extra ...http2.Setting) []http2.Setting {
	s := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingInitialWindowSize, Val: h2StreamWindow},
		{ID: http2.SettingMaxHeaderListSize, Val: h2MaxHeaderListSize},
	}
	return append(s, extra...)
}

// h2ReadError classifies a ReadFrame failure.
func h2ReadError(err error) error {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return &ProtocolError{Cause: ce}
	}
	return readError(err)
}
