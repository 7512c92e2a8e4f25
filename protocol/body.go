package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/crazyfrankie/zhttp/message"
)

// BodyReader reads one HTTP/1.1 body off a connection. Read returns io.EOF
// once the body is complete; the connection stays positioned at the next
// message.
type BodyReader interface {
	io.Reader
	// Trailers returns the trailer section, available after io.EOF.
	Trailers() message.Header
}

// NewBodyReader returns a reader for a body with the given framing.
func NewBodyReader(br *bufio.Reader, f BodyFraming) BodyReader {
	switch f.Kind {
	case FramingLength:
		return &lengthReader{br: br, remaining: f.Length}
	case FramingChunked:
		return &chunkedReader{br: br}
	case FramingClose:
		return &closeReader{br: br}
	}
	return &lengthReader{br: br}
}

type lengthReader struct {
	br        *bufio.Reader
	remaining int64
}

func (r *lengthReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.br.Read(p)
	r.remaining -= int64(n)
	if err == io.EOF {
		if r.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	return n, err
}

func (r *lengthReader) Trailers() message.Header { return nil }

type closeReader struct {
	br *bufio.Reader
}

func (r *closeReader) Read(p []byte) (int, error) { return r.br.Read(p) }
func (r *closeReader) Trailers() message.Header   { return nil }

type chunkedReader struct {
	br       *bufio.Reader
	left     int64 // bytes left in the current chunk
	started  bool
	done     bool
	trailers message.Header
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.left == 0 {
		if r.started {
			if err := r.readCRLF(); err != nil {
				return 0, err
			}
		}
		r.started = true
		size, err := r.readSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if r.trailers, err = readHeader(r.br); err != nil {
				return 0, err
			}
			r.done = true
			return 0, io.EOF
		}
		r.left = size
	}

	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err := r.br.Read(p)
	r.left -= int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (r *chunkedReader) readSize() (int64, error) {
	line, err := readLine(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	// drop chunk extensions
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil || size < 0 {
		return 0, malformed("bad chunk size %q", line)
	}
	return size, nil
}

func (r *chunkedReader) readCRLF() error {
	line, err := readLine(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if line != "" {
		return malformed("missing CRLF after chunk")
	}
	return nil
}

func (r *chunkedReader) Trailers() message.Header { return r.trailers }

// WriteChunk writes p as one chunk. Empty p writes nothing, since an empty
// chunk would terminate the body.
func WriteChunk(bw *bufio.Writer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	fmt.Fprintf(bw, "%x\r\n", len(p))
	bw.Write(p)
	_, err := bw.WriteString("\r\n")
	return err
}

// WriteLastChunk terminates a chunked body with optional trailers.
func WriteLastChunk(bw *bufio.Writer, trailers message.Header) error {
	bw.WriteString("0\r\n")
	for _, f := range trailers {
		writeField(bw, f.Name, f.Value)
	}
	_, err := bw.WriteString("\r\n")
	return err
}
