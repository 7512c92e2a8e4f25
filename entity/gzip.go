package entity

import (
	"bytes"
	"compress/gzip"
	"io"
	"sync"
	"sync/atomic"

	"github.com/crazyfrankie/zhttp/message"
)

// Compression statistics for performance monitoring
var (
	// Total number of compressed bodies
	compressionRequestCount int64
	// Total number of decompressed bodies
	decompressionRequestCount int64
	// Total number of compression or decompression failures
	compressionFailureCount int64
)

// GzipStats returns the process-wide gzip counters.
func GzipStats() (compressed, decompressed, failures int64) {
	return atomic.LoadInt64(&compressionRequestCount),
		atomic.LoadInt64(&decompressionRequestCount),
		atomic.LoadInt64(&compressionFailureCount)
}

var (
	spWriter = sync.Pool{New: func() any {
		return gzip.NewWriter(nil)
	}}
	spReader = sync.Pool{New: func() any {
		return new(gzip.Reader)
	}}
)

// GzipProducer compresses the output of another producer on the fly.
type GzipProducer struct {
	inner Producer

	mu        sync.Mutex
	out       bytes.Buffer
	zw        *gzip.Writer
	innerDone bool
	ended     bool
	trailers  message.Header
}

// NewGzipProducer wraps inner. The compressed body is always chunked.
func NewGzipProducer(inner Producer) *GzipProducer {
	return &GzipProducer{inner: inner}
}

func (p *GzipProducer) ContentLength() int64    { return -1 }
func (p *GzipProducer) ContentType() string     { return p.inner.ContentType() }
func (p *GzipProducer) ContentEncoding() string { return "gzip" }
func (p *GzipProducer) IsChunked() bool         { return true }
func (p *GzipProducer) TrailerNames() []string  { return p.inner.TrailerNames() }
func (p *GzipProducer) IsRepeatable() bool      { return p.inner.IsRepeatable() }

func (p *GzipProducer) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() > 0 {
		return p.out.Len()
	}
	return -1
}

func (p *GzipProducer) Produce(ch DataStreamChannel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.zw == nil {
		p.zw = spWriter.Get().(*gzip.Writer)
		p.zw.Reset(&p.out)
		atomic.AddInt64(&compressionRequestCount, 1)
	}

	for !p.ended {
		if p.out.Len() > 0 {
			n, err := ch.Write(p.out.Bytes())
			if err != nil {
				return err
			}
			p.out.Next(n)
			if p.out.Len() > 0 {
				return nil
			}
		}
		if p.innerDone {
			p.ended = true
			return ch.EndStream(p.trailers)
		}

		gc := &gzipChannel{p: p, outer: ch}
		if err := p.inner.Produce(gc); err != nil {
			atomic.AddInt64(&compressionFailureCount, 1)
			return err
		}
		if gc.err != nil {
			atomic.AddInt64(&compressionFailureCount, 1)
			return gc.err
		}
		if !gc.progress && !p.innerDone {
			return nil
		}
	}
	return nil
}

func (p *GzipProducer) Failed(cause error) {
	p.inner.Failed(cause)
}

// Release returns the pooled writer and rewinds the wrapped producer.
func (p *GzipProducer) Release() {
	p.mu.Lock()
	if p.zw != nil {
		p.zw.Reset(io.Discard)
		spWriter.Put(p.zw)
		p.zw = nil
	}
	p.out.Reset()
	p.innerDone = false
	p.ended = false
	p.trailers = nil
	p.mu.Unlock()
	p.inner.Release()
}

// gzipChannel is handed to the wrapped producer. It never runs out of
// capacity: the wrapped producer is only driven once the compressed
// backlog has been flushed.
type gzipChannel struct {
	p        *GzipProducer
	outer    DataStreamChannel
	progress bool
	err      error
}

func (c *gzipChannel) Write(b []byte) (int, error) {
	if c.p.innerDone {
		return 0, ErrStreamEnded
	}
	n, err := c.p.zw.Write(b)
	if n > 0 {
		c.progress = true
	}
	if err != nil {
		c.err = err
	}
	return n, err
}

func (c *gzipChannel) RequestOutput() { c.outer.RequestOutput() }

func (c *gzipChannel) EndStream(trailers message.Header) error {
	if c.p.innerDone {
		return ErrStreamEnded
	}
	c.p.innerDone = true
	c.p.trailers = trailers
	c.progress = true
	if err := c.p.zw.Close(); err != nil {
		c.err = err
		return err
	}
	return nil
}

// GzipConsumer inflates a gzip body and hands the result to inner.
type GzipConsumer[T any] struct {
	inner EntityConsumer[T]
	cap   CapacityChannel
	buf   bytes.Buffer
	d     Details
}

func NewGzipConsumer[T any](inner EntityConsumer[T]) *GzipConsumer[T] {
	return &GzipConsumer[T]{inner: inner}
}

func (c *GzipConsumer[T]) StreamStart(d Details) error {
	c.d = d
	return nil
}

func (c *GzipConsumer[T]) UpdateCapacity(ch CapacityChannel) error {
	c.cap = ch
	return ch.Update(defaultConsumerWindow)
}

func (c *GzipConsumer[T]) Consume(p []byte) error {
	c.buf.Write(p)
	return c.cap.Update(len(p))
}

func (c *GzipConsumer[T]) StreamEnd(trailers message.Header) error {
	data := c.buf.Bytes()
	if c.d != nil && c.d.ContentEncoding() == "gzip" && len(data) > 0 {
		var err error
		if data, err = unzip(data); err != nil {
			atomic.AddInt64(&compressionFailureCount, 1)
			return err
		}
		atomic.AddInt64(&decompressionRequestCount, 1)
	}

	info := Info{Length: int64(len(data))}
	if c.d != nil {
		info.Type = c.d.ContentType()
	}
	if err := c.inner.StreamStart(info); err != nil {
		return err
	}
	if err := c.inner.UpdateCapacity(noopCapacity{}); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := c.inner.Consume(data); err != nil {
			return err
		}
	}
	return c.inner.StreamEnd(trailers)
}

func (c *GzipConsumer[T]) Content() T { return c.inner.Content() }

func (c *GzipConsumer[T]) Failed(cause error) { c.inner.Failed(cause) }

func (c *GzipConsumer[T]) Release() {
	c.buf = bytes.Buffer{}
	c.inner.Release()
}

type noopCapacity struct{}

func (noopCapacity) Update(int) error { return nil }

// unzip inflates data with a pooled reader.
func unzip(data []byte) ([]byte, error) {
	gr := spReader.Get().(*gzip.Reader)
	defer spReader.Put(gr)

	if err := gr.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	defer gr.Close()

	return io.ReadAll(gr)
}
