package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/message"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadRequestHead(t *testing.T) {
	br := reader("\r\nPOST /upload?x=1 HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\nX-Multi: a\r\nX-Multi: b\r\n\r\nhello")
	req, err := ReadRequestHead(br)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/upload?x=1", req.Path)
	assert.Equal(t, "example.com", req.Authority)
	assert.Equal(t, message.HTTP11, req.Version)
	assert.Equal(t, []string{"a", "b"}, req.Header.Values("x-multi"))

	f, err := RequestFraming(req.Header)
	require.NoError(t, err)
	assert.Equal(t, BodyFraming{Kind: FramingLength, Length: 5}, f)

	body, err := io.ReadAll(NewBodyReader(br, f))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadRequestHeadErrors(t *testing.T) {
	tests := map[string]string{
		"bad line":       "GARBAGE\r\n\r\n",
		"bad version":    "GET / HTTP/3.0\r\n\r\n",
		"folding":        "GET / HTTP/1.1\r\nA: b\r\n  c\r\n\r\n",
		"bad field name": "GET / HTTP/1.1\r\nBad Name: x\r\n\r\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRequestHead(reader(in))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := ReadRequestHead(reader("GET / HTTP/1.1\r\nHost: x\r\n"))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadRequestHead(reader(""))
	assert.ErrorIs(t, err, io.EOF)

	long := "GET / HTTP/1.1\r\nX: " + strings.Repeat("a", 70*1024) + "\r\n\r\n"
	_, err = ReadRequestHead(bufio.NewReaderSize(strings.NewReader(long), 128*1024))
	assert.ErrorIs(t, err, ErrHeadTooLarge)
}

func TestRequestFraming(t *testing.T) {
	f, err := RequestFraming(message.Pairs("Transfer-Encoding", "chunked", "Content-Length", "3"))
	require.NoError(t, err)
	assert.Equal(t, FramingChunked, f.Kind)

	f, err = RequestFraming(nil)
	require.NoError(t, err)
	assert.Equal(t, FramingNone, f.Kind)
	assert.Nil(t, f.Details(nil))

	_, err = RequestFraming(message.Pairs("Transfer-Encoding", "gzip"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = RequestFraming(message.Pairs("Content-Length", "-1"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = RequestFraming(message.Pairs("Content-Length", "3", "Content-Length", "4"))
	assert.ErrorIs(t, err, ErrMalformed)
	f, err = RequestFraming(message.Pairs("Content-Length", "3", "Content-Length", "3"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.Length)
}

func TestResponseFraming(t *testing.T) {
	f, err := ResponseFraming("HEAD", 200, message.Pairs("Content-Length", "10"))
	require.NoError(t, err)
	assert.Equal(t, FramingNone, f.Kind)

	f, err = ResponseFraming("GET", 204, nil)
	require.NoError(t, err)
	assert.Equal(t, FramingNone, f.Kind)

	f, err = ResponseFraming("GET", 200, nil)
	require.NoError(t, err)
	assert.Equal(t, FramingClose, f.Kind)

	f, err = ResponseFraming("GET", 200, message.Pairs("Content-Length", "0"))
	require.NoError(t, err)
	assert.Equal(t, FramingLength, f.Kind)
	d := f.Details(nil)
	require.NotNil(t, d)
	assert.Equal(t, int64(0), d.ContentLength())
}

func TestChunkedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	require.NoError(t, WriteChunk(bw, []byte("hello ")))
	require.NoError(t, WriteChunk(bw, nil))
	require.NoError(t, WriteChunk(bw, []byte("world")))
	require.NoError(t, WriteLastChunk(bw, message.Pairs("X-Checksum", "abc")))
	require.NoError(t, bw.Flush())
	buf.WriteString("NEXT")

	br := bufio.NewReader(&buf)
	body := NewBodyReader(br, BodyFraming{Kind: FramingChunked, Length: -1})
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, "abc", body.Trailers().Get("x-checksum"))

	rest, _ := io.ReadAll(br)
	assert.Equal(t, "NEXT", string(rest), "reader must stop at the message boundary")
}

func TestChunkedReaderErrors(t *testing.T) {
	_, err := io.ReadAll(NewBodyReader(reader("zz\r\n"), BodyFraming{Kind: FramingChunked}))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = io.ReadAll(NewBodyReader(reader("5\r\nab"), BodyFraming{Kind: FramingChunked}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = io.ReadAll(NewBodyReader(reader("2;ext=1\r\nabXX0\r\n\r\n"), BodyFraming{Kind: FramingChunked}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLengthReaderTruncated(t *testing.T) {
	_, err := io.ReadAll(NewBodyReader(reader("abc"), BodyFraming{Kind: FramingLength, Length: 10}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteRequestHead(t *testing.T) {
	req, err := message.NewRequest("PUT", "http://example.com:8080/a")
	require.NoError(t, err)
	req.Header = message.Pairs("X-Id", "1", "Connection", "upgrade", "Content-Length", "999", "Host", "ignored")

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	f, err := WriteRequestHead(bw, req, entity.NewStringProducer("hi"), false)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	assert.Equal(t, BodyFraming{Kind: FramingLength, Length: 2}, f)

	got, err := ReadRequestHead(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "example.com:8080", got.Authority)
	assert.Equal(t, "1", got.Header.Get("X-Id"))
	assert.Equal(t, "2", got.Header.Get("Content-Length"))
	assert.Equal(t, entity.TextPlain, got.Header.Get("Content-Type"))
	assert.Equal(t, "close", got.Header.Get("Connection"))
	assert.Len(t, got.Header.Values("Host"), 1)
	assert.False(t, KeepAlive(got.Version, got.Header))
}

func TestWriteRequestHeadChunked(t *testing.T) {
	req, err := message.NewRequest("POST", "http://h/")
	require.NoError(t, err)
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	f, err := WriteRequestHead(bw, req, entity.Info{Length: -1, Chunked: true, Trailers: []string{"X-Sum"}}, true)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	assert.Equal(t, FramingChunked, f.Kind)
	assert.Contains(t, buf.String(), "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, buf.String(), "Trailer: X-Sum\r\n")
}

func TestWriteResponseHead(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	f, err := WriteResponseHead(bw, message.NewResponse(200), entity.NewStringProducer("body"), "HEAD", true)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	assert.Equal(t, FramingNone, f.Kind, "HEAD responses carry no body")
	assert.Contains(t, buf.String(), "Content-Length: 4\r\n")

	buf.Reset()
	f, err = WriteResponseHead(bw, message.NewResponse(204), entity.NewStringProducer("x"), "GET", true)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	assert.Equal(t, FramingNone, f.Kind)
	assert.NotContains(t, buf.String(), "Content-Length")

	buf.Reset()
	_, err = WriteResponseHead(bw, message.NewResponse(200), nil, "GET", true)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	resp, err := ReadResponseHead(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
}

func TestReadResponseHeadErrors(t *testing.T) {
	_, err := ReadResponseHead(reader("HTTP/1.1 2000 Nope\r\n\r\n"))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ReadResponseHead(reader("HTTP/1.1\r\n\r\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKeepAlive(t *testing.T) {
	assert.True(t, KeepAlive(message.HTTP11, nil))
	assert.False(t, KeepAlive(message.HTTP11, message.Pairs("Connection", "close")))
	assert.False(t, KeepAlive(message.HTTP10, nil))
	assert.True(t, KeepAlive(message.HTTP10, message.Pairs("Connection", "Keep-Alive")))
}

func TestRequestFieldsRoundTrip(t *testing.T) {
	req, err := message.NewRequest("POST", "https://example.com/items?id=2")
	require.NoError(t, err)
	req.Header = message.Pairs("X-Token", "t", "Connection", "keep-alive", "TE", "gzip")

	fields, err := RequestFields(req, entity.NewStringProducer("abc"))
	require.NoError(t, err)
	for _, f := range fields {
		assert.NotEqual(t, "connection", f.Name)
		assert.NotEqual(t, "te", f.Name)
	}

	got, d, err := ParseRequestFields(fields, false)
	require.NoError(t, err)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "https", got.Scheme)
	assert.Equal(t, "example.com", got.Authority)
	assert.Equal(t, "/items?id=2", got.Path)
	assert.Equal(t, message.HTTP20, got.Version)
	require.NotNil(t, d)
	assert.Equal(t, int64(3), d.ContentLength())

	_, d, err = ParseRequestFields(fields[:4], true)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestParseRequestFieldsErrors(t *testing.T) {
	base := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
	}
	cases := map[string][]hpack.HeaderField{
		"missing path":       {{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "https"}},
		"pseudo after":       append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "a", Value: "b"}, hpack.HeaderField{Name: ":authority", Value: "x"}),
		"unknown pseudo":     append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: ":status", Value: "200"}),
		"uppercase":          append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "X-Up", Value: "b"}),
		"connection header":  append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "connection", Value: "close"}),
		"bad content-length": append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "content-length", Value: "x"}),
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseRequestFields(fields, false)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	withLen := append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "content-length", Value: "4"})
	_, _, err := ParseRequestFields(withLen, true)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResponseFieldsRoundTrip(t *testing.T) {
	resp := message.NewResponse(200, "X-A", "1")
	fields, err := ResponseFields(resp, nil)
	require.NoError(t, err)
	got, d, err := ParseResponseFields(fields, "GET", true)
	require.NoError(t, err)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, "1", got.Header.Get("x-a"))
	require.NotNil(t, d, "content-length 0 still yields an empty body")
	assert.Equal(t, int64(0), d.ContentLength())

	_, d, err = ParseResponseFields(fields, "HEAD", false)
	require.NoError(t, err)
	assert.Nil(t, d)

	_, _, err = ParseResponseFields([]hpack.HeaderField{{Name: "x", Value: "y"}}, "GET", false)
	assert.ErrorIs(t, err, ErrMalformed)

	tr, err := ParseTrailerFields(TrailerFields(message.Pairs("X-Sum", "9")))
	require.NoError(t, err)
	assert.Equal(t, "9", tr.Get("x-sum"))
	_, err = ParseTrailerFields([]hpack.HeaderField{{Name: ":path", Value: "/"}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestVersionPolicy(t *testing.T) {
	for _, p := range []VersionPolicy{Negotiate, ForceHTTP1, ForceHTTP2} {
		got, err := ParseVersionPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseVersionPolicy("http3")
	assert.Error(t, err)

	assert.Equal(t, []string{ALPNHTTP2, ALPNHTTP11}, Negotiate.ALPN())
	assert.Equal(t, []string{ALPNHTTP11}, ForceHTTP1.ALPN())
}

func TestNegotiateSecure(t *testing.T) {
	tests := []struct {
		policy  VersionPolicy
		token   string
		want    message.Version
		wantErr bool
	}{
		{Negotiate, "h2", message.HTTP20, false},
		{Negotiate, "http/1.1", message.HTTP11, false},
		{Negotiate, "", message.HTTP11, false},
		{ForceHTTP2, "h2", message.HTTP20, false},
		{ForceHTTP2, "", message.Version{}, true},
		{ForceHTTP1, "h2", message.Version{}, true},
		{Negotiate, "spdy/3", message.Version{}, true},
	}
	for _, tt := range tests {
		got, err := NegotiateSecure(tt.policy, tt.token)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrNegotiation, "%s/%q", tt.policy, tt.token)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	assert.Equal(t, message.HTTP11, NegotiatePlain(Negotiate))
	assert.Equal(t, message.HTTP20, NegotiatePlain(ForceHTTP2))
}

func TestNegotiateServerPlain(t *testing.T) {
	v, err := NegotiateServerPlain(Negotiate, reader(http2.ClientPreface+"rest"))
	require.NoError(t, err)
	assert.Equal(t, message.HTTP20, v)

	br := reader("GET / HTTP/1.1\r\n\r\n")
	v, err = NegotiateServerPlain(Negotiate, br)
	require.NoError(t, err)
	assert.Equal(t, message.HTTP11, v)
	// sniffing consumes nothing
	req, err := ReadRequestHead(br)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)

	_, err = NegotiateServerPlain(ForceHTTP2, reader("GET / HTTP/1.1\r\n\r\n"))
	assert.ErrorIs(t, err, ErrNegotiation)

	// a peer that stops mid preface
	_, err = SniffPreface(reader("PRI * HTTP"))
	assert.ErrorIs(t, err, io.EOF)
}
