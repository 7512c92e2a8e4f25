package zhttp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/mem"
	"github.com/crazyfrankie/zhttp/message"
	"github.com/crazyfrankie/zhttp/protocol"
)

const (
	// ReaderBufferSize is used for bufio reader.
	ReaderBufferSize = 16 * 1024
	writerBufferSize = 16 * 1024
	bodyChunkSize    = 8 * 1024
)

// http1Sink writes a body with length or chunked framing.
type http1Sink struct {
	bw      *bufio.Writer
	chunked bool
}

func (s *http1Sink) write(p []byte) (int, error) {
	var err error
	if s.chunked {
		err = protocol.WriteChunk(s.bw, p)
	} else {
		_, err = s.bw.Write(p)
	}
	if err != nil {
		return 0, ioError("write", err)
	}
	return len(p), nil
}

func (s *http1Sink) end(trailers message.Header) error {
	if s.chunked {
		if err := protocol.WriteLastChunk(s.bw, trailers); err != nil {
			return ioError("write", err)
		}
	}
	return s.flush()
}

func (s *http1Sink) flush() error {
	if err := s.bw.Flush(); err != nil {
		return ioError("write", err)
	}
	return nil
}

// deliver streams body into c without exceeding the capacity c grants.
// Socket reads stop while the window is empty.
func deliver(ctx context.Context, body protocol.BodyReader, framing protocol.BodyFraming, c entity.Consumer) error {
	if framing.Kind == protocol.FramingNone || (framing.Kind == protocol.FramingLength && framing.Length == 0) {
		return c.StreamEnd(nil)
	}
	window := newCapacityWindow()
	if err := c.UpdateCapacity(window); err != nil {
		return err
	}

	bp := mem.DefaultBufferPool().Get(bodyChunkSize)
	defer mem.DefaultBufferPool().Put(bp)
	buf := *bp

	for {
		n, err := window.take(ctx, len(buf))
		if err != nil {
			return err
		}
		m, rerr := body.Read(buf[:n])
		window.giveBack(n - m)
		if m > 0 {
			if err := c.Consume(buf[:m]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return readError(rerr)
		}
	}
	return c.StreamEnd(body.Trailers())
}

func ioError(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op, Cause: err}
	}
	return &TransportError{Op: op, Cause: err}
}

// readError classifies a failure while reading a message.
func readError(err error) error {
	switch {
	case errors.Is(err, protocol.ErrMalformed), errors.Is(err, protocol.ErrHeadTooLarge):
		return &ProtocolError{Cause: err}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return &TransportError{Op: "read", Cause: errors.Join(ErrConnectionClosed, err)}
	}
	return ioError("read", err)
}
