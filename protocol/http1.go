package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

const (
	// MaxHeadBytes bounds the size of a message head.
	MaxHeadBytes = 64 * 1024
	maxLineBytes = 8 * 1024
)

var (
	ErrMalformed    = errors.New("protocol: malformed message")
	ErrHeadTooLarge = errors.New("protocol: message head too large")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Framing is how a body is delimited on an HTTP/1.1 connection.
type Framing int

const (
	FramingNone Framing = iota
	FramingLength
	FramingChunked
	// FramingClose bodies end when the peer closes the connection.
	FramingClose
)

// BodyFraming describes the body that follows a message head.
type BodyFraming struct {
	Kind   Framing
	Length int64
}

// Details converts the framing into a body description, nil when there is
// no body at all.
func (f BodyFraming) Details(h message.Header) entity.Details {
	info := entity.Info{
		Type:     h.Get("Content-Type"),
		Encoding: h.Get("Content-Encoding"),
	}
	switch f.Kind {
	case FramingNone:
		return nil
	case FramingLength:
		info.Length = f.Length
	default:
		info.Length = -1
		info.Chunked = f.Kind == FramingChunked
	}
	if t := h.Get("Trailer"); t != "" {
		for _, name := range strings.Split(t, ",") {
			info.Trailers = append(info.Trailers, strings.TrimSpace(name))
		}
	}
	return info
}

// ReadRequestHead reads a request line and header block.
func ReadRequestHead(br *bufio.Reader) (*message.Request, error) {
	line, err := readLine(br)
	for err == nil && line == "" {
		// tolerate stray CRLF between pipelined requests
		line, err = readLine(br)
	}
	if err != nil {
		return nil, err
	}

	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" {
		return nil, malformed("bad request line %q", line)
	}
	v, err := parseVersion(proto)
	if err != nil {
		return nil, err
	}

	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return &message.Request{
		Method:    method,
		Authority: h.Get("Host"),
		Path:      target,
		Header:    h,
		Version:   v,
	}, nil
}

// ReadResponseHead reads a status line and header block.
func ReadResponseHead(br *bufio.Reader) (*message.Response, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, malformed("bad status line %q", line)
	}
	v, err := parseVersion(proto)
	if err != nil {
		return nil, err
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return nil, malformed("bad status code %q", code)
	}

	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return &message.Response{Status: status, Reason: reason, Header: h, Version: v}, nil
}

func parseVersion(s string) (message.Version, error) {
	switch s {
	case "HTTP/1.1":
		return message.HTTP11, nil
	case "HTTP/1.0":
		return message.HTTP10, nil
	}
	return message.Version{}, malformed("unsupported version %q", s)
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", ErrHeadTooLarge
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) > maxLineBytes {
		return "", ErrHeadTooLarge
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}

func readHeader(br *bufio.Reader) (message.Header, error) {
	var (
		h     message.Header
		total int
	)
	for {
		line, err := readLine(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		total += len(line)
		if total > MaxHeadBytes {
			return nil, ErrHeadTooLarge
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, malformed("obsolete line folding")
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return nil, malformed("bad header line %q", line)
		}
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, malformed("bad value for header %q", name)
		}
		h.Add(name, value)
	}
}

// RequestFraming determines how the body of a received request is delimited.
func RequestFraming(h message.Header) (BodyFraming, error) {
	if h.Has("Transfer-Encoding") {
		if !h.HasToken("Transfer-Encoding", "chunked") {
			return BodyFraming{}, malformed("unsupported transfer coding %q", h.Get("Transfer-Encoding"))
		}
		return BodyFraming{Kind: FramingChunked, Length: -1}, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return BodyFraming{}, err
	}
	if !ok {
		return BodyFraming{Kind: FramingNone}, nil
	}
	return BodyFraming{Kind: FramingLength, Length: n}, nil
}

// ResponseFraming determines how the body of a received response is
// delimited. A zero Content-Length still yields a (zero length) body.
func ResponseFraming(method string, status int, h message.Header) (BodyFraming, error) {
	if method == "HEAD" || !message.BodyAllowed(status) {
		return BodyFraming{Kind: FramingNone}, nil
	}
	if h.Has("Transfer-Encoding") {
		if !h.HasToken("Transfer-Encoding", "chunked") {
			return BodyFraming{Kind: FramingClose, Length: -1}, nil
		}
		return BodyFraming{Kind: FramingChunked, Length: -1}, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return BodyFraming{}, err
	}
	if !ok {
		return BodyFraming{Kind: FramingClose, Length: -1}, nil
	}
	return BodyFraming{Kind: FramingLength, Length: n}, nil
}

func contentLength(h message.Header) (int64, bool, error) {
	vals := h.Values("Content-Length")
	if len(vals) == 0 {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(vals[0]), 10, 64)
	if err != nil || n < 0 {
		return 0, false, malformed("bad Content-Length %q", vals[0])
	}
	for _, v := range vals[1:] {
		if strings.TrimSpace(v) != strings.TrimSpace(vals[0]) {
			return 0, false, malformed("conflicting Content-Length")
		}
	}
	return n, true, nil
}

// hopHeaders are managed by the codec and dropped from caller supplied heads.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// WriteRequestHead writes the request line and headers. The body framing
// is derived from d, nil meaning no body.
func WriteRequestHead(bw *bufio.Writer, req *message.Request, d entity.Details, keepAlive bool) (BodyFraming, error) {
	if err := req.Header.Validate(); err != nil {
		return BodyFraming{}, err
	}
	if !httpguts.ValidHostHeader(req.Authority) {
		return BodyFraming{}, malformed("invalid authority %q", req.Authority)
	}

	bw.WriteString(req.Method)
	bw.WriteByte(' ')
	bw.WriteString(req.RequestURI())
	bw.WriteString(" HTTP/1.1\r\nHost: ")
	bw.WriteString(req.Authority)
	bw.WriteString("\r\n")

	framing := outgoingFraming(d)
	for _, f := range req.Header {
		if isHopHeader(f.Name) || strings.EqualFold(f.Name, "Host") {
			continue
		}
		writeField(bw, f.Name, f.Value)
	}
	writeEntityHeaders(bw, req.Header, d, framing)
	if !keepAlive {
		writeField(bw, "Connection", "close")
	}
	_, err := bw.WriteString("\r\n")
	return framing, err
}

// WriteResponseHead writes the status line and headers. A response to HEAD
// keeps its entity headers but carries no body.
func WriteResponseHead(bw *bufio.Writer, resp *message.Response, d entity.Details, method string, keepAlive bool) (BodyFraming, error) {
	if err := resp.Header.Validate(); err != nil {
		return BodyFraming{}, err
	}

	reason := resp.Reason
	if reason == "" {
		reason = "Unknown"
	}
	bw.WriteString("HTTP/1.1 ")
	bw.WriteString(strconv.Itoa(resp.Status))
	bw.WriteByte(' ')
	bw.WriteString(reason)
	bw.WriteString("\r\n")

	framing := outgoingFraming(d)
	if !message.BodyAllowed(resp.Status) {
		framing = BodyFraming{Kind: FramingNone}
	}
	for _, f := range resp.Header {
		if isHopHeader(f.Name) {
			continue
		}
		writeField(bw, f.Name, f.Value)
	}
	if message.BodyAllowed(resp.Status) {
		if framing.Kind == FramingNone {
			writeField(bw, "Content-Length", "0")
		} else {
			writeEntityHeaders(bw, resp.Header, d, framing)
		}
	}
	if !keepAlive {
		writeField(bw, "Connection", "close")
	}
	_, err := bw.WriteString("\r\n")

	if method == "HEAD" {
		framing = BodyFraming{Kind: FramingNone}
	}
	return framing, err
}

func outgoingFraming(d entity.Details) BodyFraming {
	switch {
	case d == nil:
		return BodyFraming{Kind: FramingNone}
	case d.ContentLength() >= 0 && !d.IsChunked():
		return BodyFraming{Kind: FramingLength, Length: d.ContentLength()}
	}
	return BodyFraming{Kind: FramingChunked, Length: -1}
}

func writeEntityHeaders(bw *bufio.Writer, h message.Header, d entity.Details, framing BodyFraming) {
	if d == nil {
		return
	}
	switch framing.Kind {
	case FramingLength:
		writeField(bw, "Content-Length", strconv.FormatInt(framing.Length, 10))
	case FramingChunked:
		writeField(bw, "Transfer-Encoding", "chunked")
		if names := d.TrailerNames(); len(names) > 0 && !h.Has("Trailer") {
			writeField(bw, "Trailer", strings.Join(names, ", "))
		}
	}
	if ct := d.ContentType(); ct != "" && !h.Has("Content-Type") {
		writeField(bw, "Content-Type", ct)
	}
	if ce := d.ContentEncoding(); ce != "" && !h.Has("Content-Encoding") {
		writeField(bw, "Content-Encoding", ce)
	}
}

func writeField(bw *bufio.Writer, name, value string) {
	bw.WriteString(name)
	bw.WriteString(": ")
	bw.WriteString(value)
	bw.WriteString("\r\n")
}

// KeepAlive reports whether the connection may carry another message after
// one with head h and version v.
func KeepAlive(v message.Version, h message.Header) bool {
	if h.HasToken("Connection", "close") {
		return false
	}
	if v == message.HTTP10 {
		return h.HasToken("Connection", "keep-alive")
	}
	return true
}
