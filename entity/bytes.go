package entity

import (
	"bytes"
	"sync"

	"github.com/crazyfrankie/zhttp/message"
)

const (
	TextPlain       = "text/plain; charset=utf-8"
	ApplicationJSON = "application/json"
	OctetStream     = "application/octet-stream"
	Protobuf        = "application/x-protobuf"

	defaultConsumerWindow = 64 * 1024
)

// BytesProducer streams a fixed byte slice. It is repeatable.
type BytesProducer struct {
	data        []byte
	contentType string
	chunked     bool

	mu      sync.Mutex
	pos     int
	ended   bool
	failure error
}

// NewBytesProducer returns a producer that declares len(data) as its length.
func NewBytesProducer(data []byte, contentType string) *BytesProducer {
	return &BytesProducer{data: data, contentType: contentType}
}

// NewStringProducer returns a text/plain producer for s.
func NewStringProducer(s string) *BytesProducer {
	return NewBytesProducer([]byte(s), TextPlain)
}

// Chunked makes the producer hide its length so the body is sent chunked.
func (p *BytesProducer) Chunked() *BytesProducer {
	p.chunked = true
	return p
}

func (p *BytesProducer) ContentLength() int64 {
	if p.chunked {
		return -1
	}
	return int64(len(p.data))
}

func (p *BytesProducer) ContentType() string     { return p.contentType }
func (p *BytesProducer) ContentEncoding() string { return "" }
func (p *BytesProducer) IsChunked() bool         { return p.chunked }
func (p *BytesProducer) TrailerNames() []string  { return nil }
func (p *BytesProducer) IsRepeatable() bool      { return true }

func (p *BytesProducer) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data) - p.pos
}

func (p *BytesProducer) Produce(ch DataStreamChannel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failure != nil || p.ended {
		return nil
	}
	for p.pos < len(p.data) {
		n, err := ch.Write(p.data[p.pos:])
		if err != nil {
			return err
		}
		p.pos += n
		if n == 0 {
			// out of capacity; the driver calls again
			return nil
		}
	}
	p.ended = true
	return ch.EndStream(nil)
}

func (p *BytesProducer) Failed(cause error) {
	p.mu.Lock()
	if p.failure == nil {
		p.failure = cause
	}
	p.mu.Unlock()
}

// Failure returns the cause passed to the first Failed call.
func (p *BytesProducer) Failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

// Release rewinds the producer so it can run again.
func (p *BytesProducer) Release() {
	p.mu.Lock()
	p.pos = 0
	p.ended = false
	p.failure = nil
	p.mu.Unlock()
}

// BytesConsumer buffers a body in memory.
type BytesConsumer struct {
	limit   int
	window  int
	buf     bytes.Buffer
	cap     CapacityChannel
	details Details
	content []byte
}

// NewBytesConsumer returns a consumer that rejects bodies longer than limit
// bytes. A limit <= 0 means no limit.
func NewBytesConsumer(limit int) *BytesConsumer {
	return &BytesConsumer{limit: limit, window: defaultConsumerWindow}
}

// WithWindow sets how many bytes the consumer lets the peer send ahead.
func (c *BytesConsumer) WithWindow(n int) *BytesConsumer {
	if n > 0 {
		c.window = n
	}
	return c
}

func (c *BytesConsumer) StreamStart(d Details) error {
	c.details = d
	if c.limit > 0 && d != nil && d.ContentLength() > int64(c.limit) {
		return ErrContentTooLarge
	}
	if d != nil && d.ContentLength() > 0 {
		c.buf.Grow(int(d.ContentLength()))
	}
	return nil
}

func (c *BytesConsumer) UpdateCapacity(ch CapacityChannel) error {
	c.cap = ch
	return ch.Update(c.window)
}

func (c *BytesConsumer) Consume(p []byte) error {
	if c.limit > 0 && c.buf.Len()+len(p) > c.limit {
		return ErrContentTooLarge
	}
	c.buf.Write(p)
	if c.cap != nil {
		return c.cap.Update(len(p))
	}
	return nil
}

func (c *BytesConsumer) StreamEnd(message.Header) error {
	c.content = c.buf.Bytes()
	return nil
}

func (c *BytesConsumer) Content() []byte { return c.content }

// Details returns what StreamStart was given.
func (c *BytesConsumer) Details() Details { return c.details }

func (c *BytesConsumer) Failed(error) {}

func (c *BytesConsumer) Release() {
	c.buf = bytes.Buffer{}
	c.cap = nil
}

// StringConsumer buffers a body and returns it as a string.
type StringConsumer struct {
	BytesConsumer
	content string
}

// NewStringConsumer returns a StringConsumer; limit <= 0 means no limit.
func NewStringConsumer(limit int) *StringConsumer {
	return &StringConsumer{BytesConsumer: BytesConsumer{limit: limit, window: defaultConsumerWindow}}
}

func (c *StringConsumer) StreamEnd(trailers message.Header) error {
	c.content = c.buf.String()
	return nil
}

func (c *StringConsumer) Content() string { return c.content }
