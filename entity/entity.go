// Package entity defines how message bodies are produced and consumed without
// blocking the connection that carries them.
//
// A Producer is driven by the connection: Produce is called whenever the
// outgoing channel has room, and the producer writes what it can through the
// DataStreamChannel. A Consumer receives incoming bytes and controls the pace
// of delivery by granting capacity through a CapacityChannel.
package entity

import (
	"errors"
	"math"

	"github.com/crazyfrankie/zhttp/message"
)

// UnboundedCapacity is the largest increment a consumer can grant at once.
const UnboundedCapacity = math.MaxInt32

var (
	// ErrContentTooLarge is returned by buffering consumers when the body
	// exceeds their configured limit.
	ErrContentTooLarge = errors.New("entity: content exceeds limit")
	// ErrStreamEnded is returned when writing to a channel after EndStream.
	ErrStreamEnded = errors.New("entity: stream already ended")
)

// Details describes a message body.
type Details interface {
	// ContentLength returns the declared length, or -1 when unknown.
	ContentLength() int64
	ContentType() string
	ContentEncoding() string
	// IsChunked reports whether the body is delimited by the stream end
	// rather than by a declared length.
	IsChunked() bool
	TrailerNames() []string
}

// DataStreamChannel is the sink a Producer writes into.
type DataStreamChannel interface {
	// Write accepts as many bytes of p as the channel has capacity for and
	// returns that count, which may be zero.
	Write(p []byte) (int, error)
	// RequestOutput asks the driver to call Produce again.
	RequestOutput()
	// EndStream terminates the body with optional trailers.
	EndStream(trailers message.Header) error
}

// Producer streams a message body. Produce must never block.
type Producer interface {
	Details
	// Available returns the number of bytes immediately available, or -1.
	Available() int
	Produce(ch DataStreamChannel) error
	// IsRepeatable reports whether the producer emits the same bytes again
	// after Release.
	IsRepeatable() bool
	// Failed notifies the producer that the transfer was aborted. Calls
	// after the first are ignored.
	Failed(cause error)
	Release()
}

// CapacityChannel lets a consumer grant more inbound bytes.
type CapacityChannel interface {
	Update(increment int) error
}

// Consumer receives a message body.
type Consumer interface {
	// UpdateCapacity is called once before any data is delivered.
	UpdateCapacity(ch CapacityChannel) error
	Consume(p []byte) error
	StreamEnd(trailers message.Header) error
	Failed(cause error)
	Release()
}

// EntityConsumer is a Consumer that turns the body into a value.
type EntityConsumer[T any] interface {
	Consumer
	StreamStart(d Details) error
	// Content returns the value once StreamEnd returned nil.
	Content() T
}

// Info is a plain Details value.
type Info struct {
	Length   int64
	Type     string
	Encoding string
	Chunked  bool
	Trailers []string
}

func (i Info) ContentLength() int64    { return i.Length }
func (i Info) ContentType() string     { return i.Type }
func (i Info) ContentEncoding() string { return i.Encoding }
func (i Info) IsChunked() bool         { return i.Chunked || i.Length < 0 }
func (i Info) TrailerNames() []string  { return i.Trailers }

// DetailsOf copies the description of d.
func DetailsOf(d Details) Info {
	return Info{
		Length:   d.ContentLength(),
		Type:     d.ContentType(),
		Encoding: d.ContentEncoding(),
		Chunked:  d.IsChunked(),
		Trailers: d.TrailerNames(),
	}
}
